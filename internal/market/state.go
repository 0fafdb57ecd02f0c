package market

import "github.com/atmx/perp-engine/internal/num"

// Capabilities selects which time-accruing state an operation refreshes
// before it runs. Spot flows skip funding and impact pool distribution.
type Capabilities struct {
	HasFunding        bool
	HasPositionImpact bool
}

var (
	// SpotCapabilities is used by swaps.
	SpotCapabilities = Capabilities{}

	// PerpCapabilities is used by deposits, withdrawals and positions.
	PerpCapabilities = Capabilities{HasFunding: true, HasPositionImpact: true}
)

// StateUpdate reports what UpdateState changed.
type StateUpdate struct {
	DistributedImpact num.Num
	Funding           FundingDeltas
}

// UpdateState brings the time-accruing state of a market up to now:
// position impact distribution, funding and borrowing.
func UpdateState(m Mutable, prices Prices, now int64, caps Capabilities) (StateUpdate, error) {
	var out StateUpdate
	var err error
	if caps.HasPositionImpact {
		if out.DistributedImpact, err = DistributePositionImpact(m, now); err != nil {
			return out, err
		}
	}
	if caps.HasFunding {
		if out.Funding, err = UpdateFundingState(m, prices, now); err != nil {
			return out, err
		}
		if err = UpdateBorrowingState(m, prices, now); err != nil {
			return out, err
		}
	}
	return out, nil
}
