// Package layout encodes protocol accounts into their fixed little-endian
// byte layouts. Every account starts with an 8-byte discriminator, the
// first bytes of sha256("account:<Name>").
package layout

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/num"
)

var (
	ErrDiscriminator = errors.New("layout: discriminator mismatch")
	ErrShortBuffer   = errors.New("layout: buffer too short")
	ErrTooLong       = errors.New("layout: value too long")
	ErrInvalidValue  = errors.New("layout: invalid value")
)

var le = binary.LittleEndian

// Discriminator returns the account tag of name.
func Discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// Name returns the account name a buffer is tagged with, if known.
func Name(data []byte) (string, bool) {
	if len(data) < 8 {
		return "", false
	}
	for _, name := range accountNames {
		d := Discriminator(name)
		if bytes.Equal(data[:8], d[:]) {
			return name, true
		}
	}
	return "", false
}

var accountNames = []string{"Store", "Market", "VirtualInventory", "Position", "Deposit", "Withdrawal", "Shift", "Order", "Ledger"}

// writer wraps a binary encoder and keeps the first error.
type writer struct {
	buf bytes.Buffer
	enc *bin.Encoder
	err error
}

func newWriter(name string) *writer {
	w := &writer{}
	w.enc = bin.NewBinEncoder(&w.buf)
	d := Discriminator(name)
	w.raw(d[:])
	return w
}

func (w *writer) do(err error) {
	if w.err == nil && err != nil {
		w.err = err
	}
}

func (w *writer) u8(v uint8)   { w.do(w.enc.WriteUint8(v)) }
func (w *writer) u16(v uint16) { w.do(w.enc.WriteUint16(v, le)) }
func (w *writer) u32(v uint32) { w.do(w.enc.WriteUint32(v, le)) }
func (w *writer) u64(v uint64) { w.do(w.enc.WriteUint64(v, le)) }
func (w *writer) i64(v int64)  { w.do(w.enc.WriteInt64(v, le)) }
func (w *writer) flag(v bool)  { w.do(w.enc.WriteBool(v)) }
func (w *writer) raw(b []byte) { w.do(w.enc.WriteBytes(b, false)) }
func (w *writer) pad(n int)    { w.raw(make([]byte, n)) }

func (w *writer) key(k solana.PublicKey) { w.raw(k[:]) }

func (w *writer) num(n num.Num) {
	lo, hi := n.Parts()
	w.u64(lo)
	w.u64(hi)
}

// signed writes a two's complement i128.
func (w *writer) signed(s num.Signed) {
	lo, hi := s.Abs().Parts()
	if s.IsNegative() {
		lo, hi = ^lo+1, ^hi
		if lo == 0 {
			hi++
		}
	}
	w.u64(lo)
	w.u64(hi)
}

// fixed writes s into a zero padded field of n bytes.
func (w *writer) fixed(s string, n int) {
	if len(s) > n {
		w.do(fmt.Errorf("%w: %q exceeds %d bytes", ErrTooLong, s, n))
		return
	}
	b := make([]byte, n)
	copy(b, s)
	w.raw(b)
}

func (w *writer) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

// reader wraps a binary decoder and keeps the first error.
type reader struct {
	dec *bin.Decoder
	err error
}

func newReader(name string, data []byte) (*reader, error) {
	d := Discriminator(name)
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortBuffer, len(data))
	}
	if !bytes.Equal(data[:8], d[:]) {
		return nil, fmt.Errorf("%w: want %s", ErrDiscriminator, name)
	}
	return &reader{dec: bin.NewBinDecoder(data[8:])}, nil
}

func (r *reader) do(err error) {
	if r.err == nil && err != nil {
		r.err = fmt.Errorf("%w: %v", ErrShortBuffer, err)
	}
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) u8() uint8 {
	v, err := r.dec.ReadUint8()
	r.do(err)
	return v
}

func (r *reader) u16() uint16 {
	v, err := r.dec.ReadUint16(le)
	r.do(err)
	return v
}

func (r *reader) u32() uint32 {
	v, err := r.dec.ReadUint32(le)
	r.do(err)
	return v
}

func (r *reader) u64() uint64 {
	v, err := r.dec.ReadUint64(le)
	r.do(err)
	return v
}

func (r *reader) i64() int64 {
	v, err := r.dec.ReadInt64(le)
	r.do(err)
	return v
}

func (r *reader) flag() bool {
	v, err := r.dec.ReadBool()
	r.do(err)
	return v
}

func (r *reader) raw(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	b, err := r.dec.ReadNBytes(n)
	r.do(err)
	if len(b) != n {
		return make([]byte, n)
	}
	return b
}

func (r *reader) skip(n int) { r.raw(n) }

func (r *reader) key() solana.PublicKey {
	return solana.PublicKeyFromBytes(r.raw(32))
}

func (r *reader) num() num.Num {
	lo := r.u64()
	hi := r.u64()
	return num.FromParts(lo, hi)
}

func (r *reader) signed() num.Signed {
	lo := r.u64()
	hi := r.u64()
	negative := hi>>63 == 1
	if negative {
		lo, hi = ^lo+1, ^hi
		if lo == 0 {
			hi++
		}
	}
	s, err := num.NewSigned(num.FromParts(lo, hi), negative)
	if err != nil {
		r.fail(err)
	}
	return s
}

func (r *reader) fixed(n int) string {
	b := r.raw(n)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (r *reader) done() error { return r.err }
