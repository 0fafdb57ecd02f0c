package exchange

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/model"
)

// Event kinds.
const (
	EventDepositCreated      = "deposit_created"
	EventDepositExecuted     = "deposit_executed"
	EventWithdrawalCreated   = "withdrawal_created"
	EventWithdrawalExecuted  = "withdrawal_executed"
	EventShiftCreated        = "shift_created"
	EventShiftExecuted       = "shift_executed"
	EventOrderCreated        = "order_created"
	EventOrderUpdated        = "order_updated"
	EventOrderExecuted       = "order_executed"
	EventActionCancelled     = "action_cancelled"
	EventActionClosed        = "action_closed"
	EventPositionLiquidated  = "position_liquidated"
	EventPositionDeleveraged = "position_deleveraged"
	EventMarketCreated       = "market_created"
	EventMarketUpdated       = "market_updated"
	EventStoreUpdated        = "store_updated"
)

// Event reports one committed transition.
type Event struct {
	ID        uuid.UUID        `json:"id"`
	Kind      string           `json:"kind"`
	Action    solana.PublicKey `json:"action"`
	Market    solana.PublicKey `json:"market"`
	Owner     solana.PublicKey `json:"owner"`
	Data      any              `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// EventSink receives events after their transaction commits.
type EventSink interface {
	Publish(e Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(e Event)

func (f EventSinkFunc) Publish(e Event) { f(e) }

func keyString(k solana.PublicKey) string {
	if k.IsZero() {
		return ""
	}
	return k.String()
}

// Record converts e for the event journal.
func (e Event) Record() (*model.Event, error) {
	rec := &model.Event{
		ID:        e.ID.String(),
		Kind:      e.Kind,
		Action:    keyString(e.Action),
		Market:    keyString(e.Market),
		Owner:     keyString(e.Owner),
		CreatedAt: e.CreatedAt,
	}
	if e.Data != nil {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		rec.Data = data
	}
	return rec, nil
}

func (x *Exchange) publish(ctx context.Context, events []Event) {
	for _, e := range events {
		if x.store != nil {
			rec, err := e.Record()
			if err == nil {
				err = x.store.InsertEvent(ctx, rec)
			}
			if err != nil {
				x.log.Error("journal event", "kind", e.Kind, "id", e.ID, "error", err)
			}
		}
		x.sinksMu.RLock()
		for _, s := range x.sinks {
			s.Publish(e)
		}
		x.sinksMu.RUnlock()
	}
}

// Subscribe registers a sink for every later event.
func (x *Exchange) Subscribe(s EventSink) {
	x.sinksMu.Lock()
	x.sinks = append(x.sinks, s)
	x.sinksMu.Unlock()
}

func logAttrs(e Event) []any {
	attrs := []any{"event", e.Kind}
	if !e.Action.IsZero() {
		attrs = append(attrs, "action", e.Action.String())
	}
	if !e.Market.IsZero() {
		attrs = append(attrs, "market", e.Market.String())
	}
	if !e.Owner.IsZero() {
		attrs = append(attrs, "owner", e.Owner.String())
	}
	return attrs
}
