package otc

import (
	"errors"
	"math/big"
	"testing"
)

type stubOracle struct {
	stakes map[[20]byte]*big.Int
	err    error
}

func (s *stubOracle) StakedBalance(addr [20]byte) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	staked, ok := s.stakes[addr]
	if !ok {
		return big.NewInt(0), nil
	}
	return staked, nil
}

func stakeUnits(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), baseUnit)
}

func TestTierBuckets(t *testing.T) {
	addr := newTestAddress(0x01)
	cases := []struct {
		name  string
		stake *big.Int
		want  Tier
	}{
		{"zero", big.NewInt(0), 0},
		{"below first edge", stakeUnits(9_999), 0},
		{"exactly first edge", stakeUnits(10_000), 1},
		{"mid bucket", stakeUnits(250_000), 2},
		{"exactly half million", stakeUnits(500_000), 3},
		{"two million", stakeUnits(2_000_000), 4},
		{"top tier", stakeUnits(5_000_000), 5},
		{"far above top", stakeUnits(80_000_000), 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calc := NewFeeCalculator(&stubOracle{stakes: map[[20]byte]*big.Int{addr: tc.stake}})
			tier, err := calc.TierOf(addr)
			if err != nil {
				t.Fatalf("TierOf: %v", err)
			}
			if tier != tc.want {
				t.Fatalf("expected tier %d, got %d", tc.want, tier)
			}
		})
	}
}

func TestTierOracleFailure(t *testing.T) {
	calc := NewFeeCalculator(&stubOracle{err: errors.New("oracle down")})
	if _, err := calc.TierOf(newTestAddress(0x01)); err == nil {
		t.Fatalf("expected oracle error to propagate")
	}
	var nilCalc *FeeCalculator
	if _, err := nilCalc.TierOf(newTestAddress(0x01)); !errors.Is(err, errNilOracle) {
		t.Fatalf("expected errNilOracle, got %v", err)
	}
}

func TestNetAmountFloorsFee(t *testing.T) {
	calc := NewFeeCalculator(&stubOracle{stakes: map[[20]byte]*big.Int{}})
	addr := newTestAddress(0x01)
	// Tier 0 at 20000 ppm: fee on 99 is floor(1.98) = 1.
	net, fee, err := calc.NetAmount(big.NewInt(99), addr)
	if err != nil {
		t.Fatalf("NetAmount: %v", err)
	}
	if fee.Cmp(big.NewInt(1)) != 0 || net.Cmp(big.NewInt(98)) != 0 {
		t.Fatalf("expected net 98 fee 1, got net %s fee %s", net, fee)
	}
	// Below one fee unit the whole amount passes through.
	net, fee, err = calc.NetAmount(big.NewInt(49), addr)
	if err != nil {
		t.Fatalf("NetAmount: %v", err)
	}
	if fee.Sign() != 0 || net.Cmp(big.NewInt(49)) != 0 {
		t.Fatalf("expected zero fee below one unit, got net %s fee %s", net, fee)
	}
}

func TestNetAmountHigherTierNetsMore(t *testing.T) {
	addr := newTestAddress(0x01)
	gross := big.NewInt(1_000_000)
	prev := big.NewInt(-1)
	for tier := 0; tier < TierCount; tier++ {
		var stake *big.Int
		switch tier {
		case 0:
			stake = big.NewInt(0)
		case 1:
			stake = stakeUnits(10_000)
		case 2:
			stake = stakeUnits(100_000)
		case 3:
			stake = stakeUnits(500_000)
		case 4:
			stake = stakeUnits(2_000_000)
		default:
			stake = stakeUnits(5_000_000)
		}
		calc := NewFeeCalculator(&stubOracle{stakes: map[[20]byte]*big.Int{addr: stake}})
		net, _, err := calc.NetAmount(gross, addr)
		if err != nil {
			t.Fatalf("tier %d: %v", tier, err)
		}
		if net.Cmp(prev) <= 0 {
			t.Fatalf("tier %d net %s not larger than previous %s", tier, net, prev)
		}
		prev = net
	}
	// Top tier on a round million: 7000 ppm is exactly 7000.
	if prev.Cmp(big.NewInt(993_000)) != 0 {
		t.Fatalf("top tier net mismatch, got %s", prev)
	}
}

func TestNetAmountOverflow(t *testing.T) {
	calc := NewFeeCalculator(&stubOracle{stakes: map[[20]byte]*big.Int{}})
	tooWide := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, _, err := calc.NetAmount(tooWide, newTestAddress(0x01)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
	if _, _, err := calc.NetAmount(big.NewInt(-1), newTestAddress(0x01)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestSetRateRejectsBrokenSchedule(t *testing.T) {
	calc := NewFeeCalculator(&stubOracle{stakes: map[[20]byte]*big.Int{}})
	if err := calc.SetRate(Tier(TierCount), 100); err == nil {
		t.Fatalf("expected out-of-range tier rejection")
	}
	if err := calc.SetRate(3, 18_000); err == nil {
		t.Fatalf("expected monotonicity rejection raising tier 3 above tier 2")
	}
	if err := calc.SetRate(0, feeDenominator+1); err == nil {
		t.Fatalf("expected rejection above denominator")
	}
	if err := calc.SetRate(0, 25_000); err != nil {
		t.Fatalf("raising tier 0 keeps the schedule monotone: %v", err)
	}
	if calc.Schedule()[0] != 25_000 {
		t.Fatalf("rate not applied")
	}
}
