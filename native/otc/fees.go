package otc

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// StakeOracle reports the staked balance backing a participant's fee tier.
// The engine consumes it read-only; accuracy and freshness are the oracle's
// concern.
type StakeOracle interface {
	StakedBalance(addr [20]byte) (*big.Int, error)
}

// Tier is the discount level derived from a participant's staked balance.
type Tier uint8

const (
	// TierCount is the number of discount levels, tier 0 through 5.
	TierCount = 6
	// feeDenominator expresses fee rates in parts per million.
	feeDenominator = 1_000_000
)

// FeeSchedule maps each tier to its fee rate in parts per million. Rates must
// be non-increasing as the tier rises.
type FeeSchedule [TierCount]uint32

// DefaultFeeSchedule is the fee table applied until governance overrides it.
var DefaultFeeSchedule = FeeSchedule{20_000, 19_000, 16_000, 13_000, 10_000, 7_000}

// Validate checks every rate is below the denominator and the schedule is
// monotonically non-increasing.
func (s FeeSchedule) Validate() error {
	for tier, rate := range s {
		if rate > feeDenominator {
			return fmt.Errorf("otc: fee rate %d ppm out of range for tier %d", rate, tier)
		}
		if tier > 0 && rate > s[tier-1] {
			return fmt.Errorf("otc: fee schedule not monotone at tier %d", tier)
		}
	}
	return nil
}

// baseUnit is the smallest denomination of one whole asset unit (18 decimals).
var baseUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// tierThresholds holds the ascending stake bucket edges in whole units; the
// stored values are scaled by baseUnit at init.
var tierThresholds = func() [TierCount - 1]*big.Int {
	edges := [TierCount - 1]int64{10_000, 100_000, 500_000, 2_000_000, 5_000_000}
	var out [TierCount - 1]*big.Int
	for i, edge := range edges {
		out[i] = new(big.Int).Mul(big.NewInt(edge), baseUnit)
	}
	return out
}()

// FeeCalculator buckets participants into discount tiers from oracle-reported
// stake and computes net payout amounts under the active schedule.
type FeeCalculator struct {
	oracle   StakeOracle
	schedule FeeSchedule
}

// NewFeeCalculator constructs a calculator using the default schedule.
func NewFeeCalculator(oracle StakeOracle) *FeeCalculator {
	return &FeeCalculator{oracle: oracle, schedule: DefaultFeeSchedule}
}

// SetOracle swaps the stake oracle collaborator.
func (c *FeeCalculator) SetOracle(oracle StakeOracle) { c.oracle = oracle }

// Schedule returns the active fee schedule.
func (c *FeeCalculator) Schedule() FeeSchedule { return c.schedule }

// SetRate updates a single tier's fee rate, rejecting schedules that stop
// being monotone.
func (c *FeeCalculator) SetRate(tier Tier, ratePpm uint32) error {
	if int(tier) >= TierCount {
		return fmt.Errorf("otc: tier %d out of range", tier)
	}
	next := c.schedule
	next[tier] = ratePpm
	if err := next.Validate(); err != nil {
		return err
	}
	c.schedule = next
	return nil
}

// TierOf resolves the participant's discount tier from their staked balance.
func (c *FeeCalculator) TierOf(participant [20]byte) (Tier, error) {
	if c == nil || c.oracle == nil {
		return 0, errNilOracle
	}
	staked, err := c.oracle.StakedBalance(participant)
	if err != nil {
		return 0, fmt.Errorf("otc: stake lookup: %w", err)
	}
	if staked == nil {
		return 0, nil
	}
	tier := Tier(0)
	for _, edge := range tierThresholds {
		if staked.Cmp(edge) < 0 {
			break
		}
		tier++
	}
	return tier, nil
}

// NetAmount computes the payout after deducting the receiving participant's
// tiered fee: fee = floor(gross * rate / 1e6). The multiplication runs over a
// 512-bit intermediate; amounts beyond 256 bits fail with
// ErrArithmeticOverflow.
func (c *FeeCalculator) NetAmount(gross *big.Int, participant [20]byte) (net, fee *big.Int, err error) {
	if gross == nil || gross.Sign() < 0 {
		return nil, nil, ErrInvalidAmount
	}
	tier, err := c.TierOf(participant)
	if err != nil {
		return nil, nil, err
	}
	rate := c.schedule[tier]
	grossWide, overflow := uint256.FromBig(gross)
	if overflow {
		return nil, nil, ErrArithmeticOverflow
	}
	feeWide, overflow := new(uint256.Int).MulDivOverflow(
		grossWide,
		uint256.NewInt(uint64(rate)),
		uint256.NewInt(feeDenominator),
	)
	if overflow {
		return nil, nil, ErrArithmeticOverflow
	}
	fee = feeWide.ToBig()
	net = new(big.Int).Sub(gross, fee)
	return net, fee, nil
}
