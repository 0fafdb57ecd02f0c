// Package feature gates entry points by domain and action, and blocks new
// requests for a grace period after the store is restarted.
package feature

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrFeatureDisabled = errors.New("feature: disabled")
	ErrRestarted       = errors.New("feature: store restarted recently")
	ErrUnknownFeature  = errors.New("feature: unknown domain or action")
)

// Domain is the kind of request a feature flag applies to.
type Domain uint8

const (
	Deposit Domain = iota
	Withdrawal
	Shift
	Order
	Liquidation
	AutoDeleveraging

	NumDomains
)

var domainNames = [NumDomains]string{
	"deposit", "withdrawal", "shift", "order", "liquidation", "auto_deleveraging",
}

func (d Domain) String() string {
	if d >= NumDomains {
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
	return domainNames[d]
}

// Action is the step of a request lifecycle.
type Action uint8

const (
	Create Action = iota
	Update
	Execute
	Cancel

	NumActions
)

var actionNames = [NumActions]string{"create", "update", "execute", "cancel"}

func (a Action) String() string {
	if a >= NumActions {
		return fmt.Sprintf("action(%d)", uint8(a))
	}
	return actionNames[a]
}

// ParseDomain accepts the names printed by Domain.String.
func ParseDomain(s string) (Domain, error) {
	for i, name := range domainNames {
		if strings.EqualFold(s, name) {
			return Domain(i), nil
		}
	}
	return 0, fmt.Errorf("%w: domain %q", ErrUnknownFeature, s)
}

// ParseAction accepts the names printed by Action.String.
func ParseAction(s string) (Action, error) {
	for i, name := range actionNames {
		if strings.EqualFold(s, name) {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("%w: action %q", ErrUnknownFeature, s)
}

// Flags is a dense bitmap of disabled (domain, action) pairs. The zero
// value enables everything.
type Flags uint64

func bit(d Domain, a Action) (uint64, error) {
	if d >= NumDomains || a >= NumActions {
		return 0, fmt.Errorf("%w: (%s, %s)", ErrUnknownFeature, d, a)
	}
	return 1 << (uint(d)*uint(NumActions) + uint(a)), nil
}

// IsDisabled reports whether the pair is switched off. Unknown pairs
// read as disabled.
func (f Flags) IsDisabled(d Domain, a Action) bool {
	b, err := bit(d, a)
	if err != nil {
		return true
	}
	return uint64(f)&b != 0
}

// Set switches a pair on or off.
func (f *Flags) Set(d Domain, a Action, disabled bool) error {
	b, err := bit(d, a)
	if err != nil {
		return err
	}
	if disabled {
		*f |= Flags(b)
	} else {
		*f &^= Flags(b)
	}
	return nil
}

// Validate fails with ErrFeatureDisabled when the pair is off.
func (f Flags) Validate(d Domain, a Action) error {
	if f.IsDisabled(d, a) {
		return fmt.Errorf("%w: (%s, %s)", ErrFeatureDisabled, d, a)
	}
	return nil
}

// Disabled lists the switched-off pairs as "domain:action".
func (f Flags) Disabled() []string {
	var out []string
	for d := Domain(0); d < NumDomains; d++ {
		for a := Action(0); a < NumActions; a++ {
			if f.IsDisabled(d, a) {
				out = append(out, d.String()+":"+a.String())
			}
		}
	}
	return out
}

// RestartGuard rejects new requests until GraceSlots have passed since
// the last restart.
type RestartGuard struct {
	LastRestartedSlot uint64 `json:"last_restarted_slot"`
	GraceSlots        uint64 `json:"grace_slots"`
}

// Validate fails with ErrRestarted while slot is inside the grace window.
func (g RestartGuard) Validate(slot uint64) error {
	if g.LastRestartedSlot == 0 {
		return nil
	}
	if slot < g.LastRestartedSlot+g.GraceSlots {
		return fmt.Errorf("%w: slot %d < %d + %d", ErrRestarted, slot, g.LastRestartedSlot, g.GraceSlots)
	}
	return nil
}
