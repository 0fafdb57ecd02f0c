package layout

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/feature"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/registry"
)

const (
	storeKeySize  = 32
	roleNameSize  = 32
	tokenNameSize = 32
	maxEntries    = 1 << 16
)

func sortedKeys[V any](m map[solana.PublicKey]V) []solana.PublicKey {
	keys := make([]solana.PublicKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	return keys
}

func sortedRoles(m map[registry.Role]bool) []registry.Role {
	roles := make([]registry.Role, 0, len(m))
	for r := range m {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func (w *writer) count(n int) {
	if n >= maxEntries {
		w.do(fmt.Errorf("%w: %d entries", ErrTooLong, n))
		return
	}
	w.u16(uint16(n))
}

func (r *reader) count() int {
	return int(r.u16())
}

func (w *writer) roles(m map[registry.Role]bool) {
	roles := sortedRoles(m)
	w.count(len(roles))
	for _, role := range roles {
		w.fixed(string(role), roleNameSize)
		w.flag(m[role])
	}
}

func (r *reader) roles() map[registry.Role]bool {
	n := r.count()
	m := make(map[registry.Role]bool, n)
	for i := 0; i < n && r.err == nil; i++ {
		role := registry.Role(r.fixed(roleNameSize))
		m[role] = r.flag()
	}
	return m
}

func (w *writer) tokenConfig(c oracle.TokenConfig) {
	w.fixed(c.Name, tokenNameSize)
	w.flag(c.Enabled)
	w.flag(c.Synthetic)
	w.flag(c.AllowPriceAdjustment)
	w.u8(c.Decimals)
	w.u8(c.Precision)
	w.u8(uint8(c.ExpectedProvider))
	w.pad(2)
	w.u32(c.Heartbeat)
	w.pad(4)
	w.num(c.MaxSpreadFactor)
	w.u8(uint8(len(c.Feeds)))
	w.pad(7)
	for p := oracle.ProviderKind(0); p < oracle.NumProviders; p++ {
		f, ok := c.Feeds[p]
		if !ok {
			continue
		}
		w.u8(uint8(p))
		w.pad(3)
		w.u32(f.TimestampAdjustment)
		w.key(f.FeedID)
		w.num(f.MaxDeviationFactor)
	}
}

func (r *reader) tokenConfig() oracle.TokenConfig {
	var c oracle.TokenConfig
	c.Name = r.fixed(tokenNameSize)
	c.Enabled = r.flag()
	c.Synthetic = r.flag()
	c.AllowPriceAdjustment = r.flag()
	c.Decimals = r.u8()
	c.Precision = r.u8()
	c.ExpectedProvider = oracle.ProviderKind(r.u8())
	r.skip(2)
	c.Heartbeat = r.u32()
	r.skip(4)
	c.MaxSpreadFactor = r.num()
	n := int(r.u8())
	r.skip(7)
	c.Feeds = make(map[oracle.ProviderKind]oracle.FeedConfig, n)
	for i := 0; i < n && r.err == nil; i++ {
		p := oracle.ProviderKind(r.u8())
		r.skip(3)
		var f oracle.FeedConfig
		f.TimestampAdjustment = r.u32()
		f.FeedID = r.key()
		f.MaxDeviationFactor = r.num()
		if p >= oracle.NumProviders {
			r.fail(fmt.Errorf("%w: provider %d", ErrInvalidValue, p))
		}
		c.Feeds[p] = f
	}
	return c
}

// EncodeStore encodes s. The fixed part comes first, followed by the
// role table, the member table and the token configs.
func EncodeStore(s *registry.Store) ([]byte, error) {
	w := newWriter("Store")
	w.u8(s.Bump)
	w.pad(7)
	w.fixed(s.Key, storeKeySize)
	w.key(s.Authority)
	w.key(s.NextAuthority)
	w.key(s.Receiver)
	w.key(s.NextReceiver)

	w.i64(s.Amounts.RequestExpiration)
	w.u64(s.Amounts.ExecutionLamports)
	w.i64(s.Oracle.MaxAge)
	w.i64(s.Oracle.FutureTolerance)
	w.i64(s.Oracle.MaxTimestampRange)
	w.u64(uint64(s.Features))
	w.u64(s.Restart.LastRestartedSlot)
	w.u64(s.Restart.GraceSlots)
	w.key(s.CallbackAuthority)
	w.u8(s.CallbackAuthorityBump)
	w.pad(31)

	w.roles(s.Roles)

	members := sortedKeys(s.Members)
	w.count(len(members))
	for _, m := range members {
		w.key(m)
		w.roles(s.Members[m])
	}

	tokens := sortedKeys(s.Tokens)
	w.count(len(tokens))
	for _, t := range tokens {
		w.key(t)
		w.tokenConfig(s.Tokens[t])
	}
	return w.bytes()
}

func DecodeStore(address solana.PublicKey, data []byte) (*registry.Store, error) {
	r, err := newReader("Store", data)
	if err != nil {
		return nil, err
	}
	s := &registry.Store{Address: address}
	s.Bump = r.u8()
	r.skip(7)
	s.Key = r.fixed(storeKeySize)
	s.Authority = r.key()
	s.NextAuthority = r.key()
	s.Receiver = r.key()
	s.NextReceiver = r.key()

	s.Amounts.RequestExpiration = r.i64()
	s.Amounts.ExecutionLamports = r.u64()
	s.Oracle.MaxAge = r.i64()
	s.Oracle.FutureTolerance = r.i64()
	s.Oracle.MaxTimestampRange = r.i64()
	s.Features = feature.Flags(r.u64())
	s.Restart.LastRestartedSlot = r.u64()
	s.Restart.GraceSlots = r.u64()
	s.CallbackAuthority = r.key()
	s.CallbackAuthorityBump = r.u8()
	r.skip(31)

	s.Roles = r.roles()

	n := r.count()
	s.Members = make(map[solana.PublicKey]map[registry.Role]bool, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.key()
		s.Members[k] = r.roles()
	}

	n = r.count()
	s.Tokens = make(map[solana.PublicKey]oracle.TokenConfig, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.key()
		s.Tokens[k] = r.tokenConfig()
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return s, nil
}

// EncodeLedger encodes every token account, mint supply and native
// balance of l.
func EncodeLedger(l *registry.Ledger) ([]byte, error) {
	w := newWriter("Ledger")
	accounts := sortedKeys(l.Accounts)
	w.u32(uint32(len(accounts)))
	for _, k := range accounts {
		acc := l.Accounts[k]
		w.key(acc.Address)
		w.key(acc.Owner)
		w.key(acc.Mint)
		w.num(acc.Amount)
	}
	supplies := sortedKeys(l.Supplies)
	w.u32(uint32(len(supplies)))
	for _, k := range supplies {
		w.key(k)
		w.num(l.Supplies[k])
	}
	lamports := sortedKeys(l.Lamports)
	w.u32(uint32(len(lamports)))
	for _, k := range lamports {
		w.key(k)
		w.u64(l.Lamports[k])
	}
	return w.bytes()
}

func DecodeLedger(data []byte) (*registry.Ledger, error) {
	r, err := newReader("Ledger", data)
	if err != nil {
		return nil, err
	}
	l := registry.NewLedger()
	n := int(r.u32())
	for i := 0; i < n && r.err == nil; i++ {
		acc := &registry.TokenAccount{Address: r.key(), Owner: r.key(), Mint: r.key(), Amount: r.num()}
		l.Accounts[acc.Address] = acc
	}
	n = int(r.u32())
	for i := 0; i < n && r.err == nil; i++ {
		k := r.key()
		l.Supplies[k] = r.num()
	}
	n = int(r.u32())
	for i := 0; i < n && r.err == nil; i++ {
		k := r.key()
		l.Lamports[k] = r.u64()
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return l, nil
}
