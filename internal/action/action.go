// Package action defines the request records users create and keepers
// execute: deposits, withdrawals, shifts and orders, with the header and
// state machine they share.
package action

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrNotPending      = errors.New("action: not pending")
	ErrStillPending    = errors.New("action: still pending")
	ErrUnauthorized    = errors.New("action: signer may not perform this step")
	ErrNotExpired      = errors.New("action: request not expired")
	ErrExpired         = errors.New("action: request expired")
	ErrTooManyTokens   = errors.New("action: too many tokens in swap params")
	ErrInvalidArgument = errors.New("action: invalid argument")
	ErrTriggerNotMet   = errors.New("action: trigger price not reached")
	ErrNotUpdatable    = errors.New("action: order kind cannot be updated")
)

// State is the lifecycle state of an action.
type State uint8

const (
	Pending State = iota
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Kind names the record type behind a header.
type Kind uint8

const (
	KindDeposit Kind = iota
	KindWithdrawal
	KindShift
	KindOrder
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdrawal:
		return "withdrawal"
	case KindShift:
		return "shift"
	case KindOrder:
		return "order"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Header is shared by every action record.
type Header struct {
	ID                 uint64           `json:"id"`
	Address            solana.PublicKey `json:"address"`
	Store              solana.PublicKey `json:"store"`
	Market             solana.PublicKey `json:"market"`
	Owner              solana.PublicKey `json:"owner"`
	Receiver           solana.PublicKey `json:"receiver"`
	RentReceiver       solana.PublicKey `json:"rent_receiver"`
	Nonce              [32]byte         `json:"-"`
	Bump               uint8            `json:"bump"`
	Kind               Kind             `json:"kind"`
	State              State            `json:"state"`
	CreatedAt          int64            `json:"created_at"`
	UpdatedAt          int64            `json:"updated_at"`
	Slot               uint64           `json:"slot"`
	ShouldUnwrapNative bool             `json:"should_unwrap_native"`
	ExecutionLamports  uint64           `json:"execution_lamports"`
}

// IsPending reports whether the action may still execute.
func (h *Header) IsPending() bool { return h.State == Pending }

// Complete moves a pending action to Completed.
func (h *Header) Complete(now int64) error {
	if !h.IsPending() {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, h.Address, h.State)
	}
	h.State, h.UpdatedAt = Completed, now
	return nil
}

// Cancel moves a pending action to Cancelled.
func (h *Header) Cancel(now int64) error {
	if !h.IsPending() {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, h.Address, h.State)
	}
	h.State, h.UpdatedAt = Cancelled, now
	return nil
}

// NoExpiration disables the expiration window of an action.
const NoExpiration int64 = -1

// Expired reports whether now is past created_at + expiration. A negative
// expiration never lapses.
func (h *Header) Expired(now, expiration int64) bool {
	return expiration >= 0 && now > h.CreatedAt+expiration
}

// ValidateExecute checks that a pending action is still inside its
// expiration window.
func (h *Header) ValidateExecute(now, expiration int64) error {
	if !h.IsPending() {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, h.Address, h.State)
	}
	if h.Expired(now, expiration) {
		return fmt.Errorf("%w: created at %d, now %d", ErrExpired, h.CreatedAt, now)
	}
	return nil
}

// ValidateClose checks who may close the action. The owner may always
// close; a keeper may close finished actions, or pending ones after they
// expire.
func (h *Header) ValidateClose(signer solana.PublicKey, isKeeper bool, now, expiration int64) error {
	if signer.Equals(h.Owner) {
		return nil
	}
	if !isKeeper {
		return fmt.Errorf("%w: %s is neither owner nor keeper", ErrUnauthorized, signer)
	}
	if h.IsPending() && !h.Expired(now, expiration) {
		return fmt.Errorf("%w: created at %d, now %d", ErrNotExpired, h.CreatedAt, now)
	}
	return nil
}
