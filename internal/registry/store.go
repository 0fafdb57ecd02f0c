// Package registry holds the owned protocol state: the store value, the
// token ledger and the world of accounts every entry point mutates inside
// one transaction.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/feature"
	"github.com/atmx/perp-engine/internal/oracle"
)

var (
	ErrPermissionDenied  = errors.New("registry: permission denied")
	ErrUnknownRole       = errors.New("registry: unknown role")
	ErrRoleDisabled      = errors.New("registry: role disabled")
	ErrNoPendingTransfer = errors.New("registry: no pending transfer")
	ErrInvalidStoreKey   = errors.New("registry: invalid store key")
	ErrTokenNotFound     = errors.New("registry: token config not found")
)

// Role names a capability granted to store members.
type Role string

const (
	RoleAdmin         Role = "ADMIN"
	RoleMarketKeeper  Role = "MARKET_KEEPER"
	RoleOrderKeeper   Role = "ORDER_KEEPER"
	RoleFeatureKeeper Role = "FEATURE_KEEPER"
	RoleConfigKeeper  Role = "CONFIG_KEEPER"
	RoleRestartAdmin  Role = "RESTART_ADMIN"
)

// BuiltinRoles are enabled by InitRoles.
var BuiltinRoles = []Role{RoleAdmin, RoleMarketKeeper, RoleOrderKeeper, RoleFeatureKeeper, RoleConfigKeeper, RoleRestartAdmin}

// ParseRole normalizes a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if r == "" || len(r) > 32 {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Amounts are the store-wide numeric settings.
type Amounts struct {
	// RequestExpiration is how long a pending action waits before any
	// keeper may cancel it, in seconds.
	RequestExpiration int64 `json:"request_expiration" yaml:"request_expiration"`
	// ExecutionLamports is the minimum execution fee reserved at create.
	ExecutionLamports uint64 `json:"execution_lamports" yaml:"execution_lamports"`
}

// DefaultAmounts returns the settings of a fresh store.
func DefaultAmounts() Amounts {
	return Amounts{RequestExpiration: 300, ExecutionLamports: 5000}
}

// Store is the single owned protocol configuration value.
type Store struct {
	Address       solana.PublicKey `json:"address"`
	Bump          uint8            `json:"bump"`
	Key           string           `json:"key"`
	Authority     solana.PublicKey `json:"authority"`
	NextAuthority solana.PublicKey `json:"next_authority"`
	Receiver      solana.PublicKey `json:"receiver"`
	NextReceiver  solana.PublicKey `json:"next_receiver"`

	// CallbackAuthority signs action callbacks once initialized.
	CallbackAuthority     solana.PublicKey `json:"callback_authority"`
	CallbackAuthorityBump uint8            `json:"callback_authority_bump"`

	Amounts  Amounts                                 `json:"amounts"`
	Oracle   oracle.Config                           `json:"oracle"`
	Features feature.Flags                           `json:"features"`
	Restart  feature.RestartGuard                    `json:"restart"`
	Tokens   map[solana.PublicKey]oracle.TokenConfig `json:"tokens"`

	// Roles maps a known role to its enabled flag.
	Roles   map[Role]bool                      `json:"roles"`
	Members map[solana.PublicKey]map[Role]bool `json:"members"`
}

// NewStore returns a store owned by authority. The authority also
// receives fees until the receiver is transferred.
func NewStore(programID, authority solana.PublicKey, key string) (*Store, error) {
	if len(key) > 32 {
		return nil, fmt.Errorf("%w: %q longer than 32 bytes", ErrInvalidStoreKey, key)
	}
	addr, bump, err := DeriveStorePDA(programID, key)
	if err != nil {
		return nil, fmt.Errorf("derive store: %w", err)
	}
	return &Store{
		Address:   addr,
		Bump:      bump,
		Key:       key,
		Authority: authority,
		Receiver:  authority,
		Amounts:   DefaultAmounts(),
		Oracle:    oracle.DefaultConfig(),
		Tokens:    make(map[solana.PublicKey]oracle.TokenConfig),
		Roles:     make(map[Role]bool),
		Members:   make(map[solana.PublicKey]map[Role]bool),
	}, nil
}

// Clone returns a deep copy of s.
func (s *Store) Clone() *Store {
	c := *s
	c.Tokens = make(map[solana.PublicKey]oracle.TokenConfig, len(s.Tokens))
	for k, v := range s.Tokens {
		feeds := make(map[oracle.ProviderKind]oracle.FeedConfig, len(v.Feeds))
		for p, f := range v.Feeds {
			feeds[p] = f
		}
		v.Feeds = feeds
		c.Tokens[k] = v
	}
	c.Roles = make(map[Role]bool, len(s.Roles))
	for k, v := range s.Roles {
		c.Roles[k] = v
	}
	c.Members = make(map[solana.PublicKey]map[Role]bool, len(s.Members))
	for k, roles := range s.Members {
		m := make(map[Role]bool, len(roles))
		for r, v := range roles {
			m[r] = v
		}
		c.Members[k] = m
	}
	return &c
}

// IsAdmin reports whether addr is the store authority.
func (s *Store) IsAdmin(addr solana.PublicKey) bool {
	return s.Authority.Equals(addr)
}

// HasRole reports whether addr holds an enabled role. The authority
// holds every role.
func (s *Store) HasRole(addr solana.PublicKey, role Role) bool {
	if s.IsAdmin(addr) {
		return true
	}
	return s.Roles[role] && s.Members[addr][role]
}

// RequireRole fails with ErrPermissionDenied unless HasRole.
func (s *Store) RequireRole(addr solana.PublicKey, role Role) error {
	if !s.HasRole(addr, role) {
		return fmt.Errorf("%w: %s lacks %s", ErrPermissionDenied, addr, role)
	}
	return nil
}

// RequireAdmin fails unless addr is the authority.
func (s *Store) RequireAdmin(addr solana.PublicKey) error {
	if !s.IsAdmin(addr) {
		return fmt.Errorf("%w: %s is not the store authority", ErrPermissionDenied, addr)
	}
	return nil
}

func (s *Store) EnableRole(role Role) { s.Roles[role] = true }

// DisableRole keeps members but stops the role from granting anything.
func (s *Store) DisableRole(role Role) error {
	if _, ok := s.Roles[role]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	s.Roles[role] = false
	return nil
}

func (s *Store) GrantRole(member solana.PublicKey, role Role) error {
	enabled, ok := s.Roles[role]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	if !enabled {
		return fmt.Errorf("%w: %s", ErrRoleDisabled, role)
	}
	if s.Members[member] == nil {
		s.Members[member] = make(map[Role]bool)
	}
	s.Members[member][role] = true
	return nil
}

func (s *Store) RevokeRole(member solana.PublicKey, role Role) error {
	if !s.Members[member][role] {
		return fmt.Errorf("%w: %s does not hold %s", ErrUnknownRole, member, role)
	}
	delete(s.Members[member], role)
	if len(s.Members[member]) == 0 {
		delete(s.Members, member)
	}
	return nil
}

// RoleNames lists the known roles in name order.
func (s *Store) RoleNames() []Role {
	out := make([]Role, 0, len(s.Roles))
	for r := range s.Roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MemberRoles returns the roles held by member, sorted.
func (s *Store) MemberRoles(member solana.PublicKey) []Role {
	out := make([]Role, 0, len(s.Members[member]))
	for r := range s.Members[member] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TransferAuthority nominates next; the transfer completes on accept.
func (s *Store) TransferAuthority(next solana.PublicKey) { s.NextAuthority = next }

func (s *Store) AcceptAuthority(signer solana.PublicKey) error {
	if s.NextAuthority.IsZero() {
		return ErrNoPendingTransfer
	}
	if !s.NextAuthority.Equals(signer) {
		return fmt.Errorf("%w: %s is not the nominated authority", ErrPermissionDenied, signer)
	}
	s.Authority, s.NextAuthority = signer, solana.PublicKey{}
	return nil
}

// TransferReceiver nominates next as the fee receiver.
func (s *Store) TransferReceiver(next solana.PublicKey) { s.NextReceiver = next }

func (s *Store) AcceptReceiver(signer solana.PublicKey) error {
	if s.NextReceiver.IsZero() {
		return ErrNoPendingTransfer
	}
	if !s.NextReceiver.Equals(signer) {
		return fmt.Errorf("%w: %s is not the nominated receiver", ErrPermissionDenied, signer)
	}
	s.Receiver, s.NextReceiver = signer, solana.PublicKey{}
	return nil
}

// TokenConfig returns the config of a token.
func (s *Store) TokenConfig(token solana.PublicKey) (oracle.TokenConfig, error) {
	tc, ok := s.Tokens[token]
	if !ok {
		return oracle.TokenConfig{}, fmt.Errorf("%w: %s", ErrTokenNotFound, token)
	}
	return tc, nil
}

// PriceRequests builds oracle requests for tokens, skipping duplicates.
func (s *Store) PriceRequests(tokens ...solana.PublicKey) ([]oracle.Request, error) {
	seen := make(map[solana.PublicKey]bool, len(tokens))
	reqs := make([]oracle.Request, 0, len(tokens))
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		tc, err := s.TokenConfig(t)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, oracle.Request{Token: t, Config: tc})
	}
	return reqs, nil
}
