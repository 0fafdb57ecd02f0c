package oracle

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/atmx/perp-engine/internal/num"
)

var (
	// PythPushOracleProgramID owns sponsored price feed accounts.
	PythPushOracleProgramID = solana.MustPublicKeyFromBase58("pythWSnswVUd12oZpeFP8e9CVaEqJg25g1Vtc2biRsT")

	priceUpdateV2Discriminator = [8]byte{34, 241, 35, 99, 157, 126, 244, 205}
)

// priceUpdateV2Len is discriminator, write authority, verification level,
// then the price message.
const priceUpdateV2Len = 8 + 32 + 1 + 32 + 8 + 8 + 4 + 8 + 8 + 8 + 8 + 8

// AccountFetcher is satisfied by *rpc.Client.
type AccountFetcher interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// PythAdapter reads PriceUpdateV2 accounts.
type PythAdapter struct {
	rpc AccountFetcher
}

// NewPythAdapter returns an adapter reading through client.
func NewPythAdapter(client AccountFetcher) *PythAdapter {
	return &PythAdapter{rpc: client}
}

// Fetch loads feed.FeedID and converts it for the token.
func (a *PythAdapter) Fetch(ctx context.Context, _ solana.PublicKey, cfg TokenConfig, feed FeedConfig) (FeedPrice, error) {
	out, err := a.rpc.GetAccountInfo(ctx, feed.FeedID)
	if err != nil {
		return FeedPrice{}, fmt.Errorf("get pyth account %s: %w", feed.FeedID, err)
	}
	if out == nil || out.Value == nil {
		return FeedPrice{}, fmt.Errorf("%w: %s not found", ErrFeedNotFound, feed.FeedID)
	}
	acct := out.Value
	if !acct.Owner.Equals(PythPushOracleProgramID) {
		return FeedPrice{}, fmt.Errorf("%w: owner %s is not the pyth push oracle", ErrProviderMismatch, acct.Owner)
	}
	if acct.Data == nil {
		return FeedPrice{}, fmt.Errorf("%w: no data", ErrInvalidFeedAccount)
	}
	msg, err := DecodePriceUpdateV2(acct.Data.GetBinary())
	if err != nil {
		return FeedPrice{}, err
	}
	return msg.FeedPrice(cfg)
}

// PythPriceMessage is the price payload of a PriceUpdateV2 account.
type PythPriceMessage struct {
	FeedID      [32]byte
	Price       int64
	Conf        uint64
	Exponent    int32
	PublishTime int64
	PostedSlot  uint64
}

// DecodePriceUpdateV2 parses a fully verified PriceUpdateV2 account.
func DecodePriceUpdateV2(data []byte) (PythPriceMessage, error) {
	var msg PythPriceMessage
	if len(data) < 8 || !bytes.Equal(data[:8], priceUpdateV2Discriminator[:]) {
		return msg, fmt.Errorf("%w: discriminator mismatch", ErrInvalidFeedAccount)
	}
	if len(data) != priceUpdateV2Len {
		return msg, fmt.Errorf("%w: length %d, want %d", ErrInvalidFeedAccount, len(data), priceUpdateV2Len)
	}
	off := 8 + 32
	switch level := data[off]; level {
	case 1:
	case 0:
		return msg, fmt.Errorf("%w: partially verified update", ErrInvalidFeedAccount)
	default:
		return msg, fmt.Errorf("%w: unknown verification level %d", ErrInvalidFeedAccount, level)
	}
	off++
	le := binary.LittleEndian
	copy(msg.FeedID[:], data[off:off+32])
	off += 32
	msg.Price = int64(le.Uint64(data[off:]))
	off += 8
	msg.Conf = le.Uint64(data[off:])
	off += 8
	msg.Exponent = int32(le.Uint32(data[off:]))
	off += 4
	msg.PublishTime = int64(le.Uint64(data[off:]))
	// prev_publish_time, ema_price and ema_conf are skipped.
	off += 8 + 8 + 8 + 8
	msg.PostedSlot = le.Uint64(data[off:])
	return msg, nil
}

// FeedPrice converts the message into price - conf and price + conf unit
// prices for the token.
func (m PythPriceMessage) FeedPrice(cfg TokenConfig) (FeedPrice, error) {
	if m.Price <= 0 {
		return FeedPrice{}, fmt.Errorf("%w: non-positive price %d", ErrPriceOutOfRange, m.Price)
	}
	if m.Exponent > 0 || m.Exponent < -num.MaxDecimals {
		return FeedPrice{}, fmt.Errorf("%w: unsupported exponent %d", ErrInvalidFeedAccount, m.Exponent)
	}
	price := uint64(m.Price)
	if m.Conf >= price {
		return FeedPrice{}, fmt.Errorf("%w: confidence %d not below price %d", ErrPriceOutOfRange, m.Conf, price)
	}
	decimals := uint8(-m.Exponent)
	lo, err := num.DecimalFromPrice(price-m.Conf, decimals, cfg.Decimals, cfg.Precision)
	if err != nil {
		return FeedPrice{}, err
	}
	hi, err := num.DecimalFromPrice(price+m.Conf, decimals, cfg.Decimals, cfg.Precision)
	if err != nil {
		return FeedPrice{}, err
	}
	mid, err := num.DecimalFromPrice(price, decimals, cfg.Decimals, cfg.Precision)
	if err != nil {
		return FeedPrice{}, err
	}
	return FeedPrice{
		Provider: ProviderPyth,
		Slot:     m.PostedSlot,
		Ts:       m.PublishTime,
		Min:      lo,
		Max:      hi,
		Ref:      &mid,
	}, nil
}

// EncodePriceUpdateV2 is the inverse of DecodePriceUpdateV2 for a fully
// verified update.
func EncodePriceUpdateV2(writeAuthority solana.PublicKey, m PythPriceMessage) []byte {
	buf := make([]byte, priceUpdateV2Len)
	copy(buf, priceUpdateV2Discriminator[:])
	off := 8
	copy(buf[off:], writeAuthority[:])
	off += 32
	buf[off] = 1
	off++
	copy(buf[off:], m.FeedID[:])
	off += 32
	le := binary.LittleEndian
	le.PutUint64(buf[off:], uint64(m.Price))
	off += 8
	le.PutUint64(buf[off:], m.Conf)
	off += 8
	le.PutUint32(buf[off:], uint32(m.Exponent))
	off += 4
	le.PutUint64(buf[off:], uint64(m.PublishTime))
	off += 8
	le.PutUint64(buf[off:], uint64(m.PublishTime))
	off += 8 + 8 + 8
	le.PutUint64(buf[off:], m.PostedSlot)
	return buf
}
