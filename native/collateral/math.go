package collateral

import "math/big"

var (
	// ray is the fixed-point scale for collateral ratios.
	ray = big.NewInt(1_000_000_000_000_000_000)
	// basisPoints scales the burn/reward fee split.
	basisPoints = big.NewInt(10_000)
)

func ceilDiv(num, den *big.Int) *big.Int {
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// ratioOf returns collateralValue/debtValue ray-scaled. A zero debt reads as
// nil, meaning "unbounded" — callers treat it as always healthy.
func ratioOf(collateralValue, debtValue *big.Int) *big.Int {
	if debtValue == nil || debtValue.Sign() == 0 {
		return nil
	}
	if collateralValue == nil {
		collateralValue = big.NewInt(0)
	}
	num := new(big.Int).Mul(collateralValue, ray)
	return num.Quo(num, debtValue)
}

// ratioNotWorse compares two ratioOf results where nil means unbounded.
func ratioNotWorse(after, before *big.Int) bool {
	if after == nil {
		return true
	}
	if before == nil {
		return false
	}
	return after.Cmp(before) >= 0
}

// belowRatio reports whether collateralValue < ratio × debtValue.
func belowRatio(collateralValue, debtValue, ratio *big.Int) bool {
	if debtValue == nil || debtValue.Sign() == 0 {
		return false
	}
	threshold := new(big.Int).Mul(debtValue, ratio)
	scaled := new(big.Int).Mul(collateralValue, ray)
	return scaled.Cmp(threshold) < 0
}

// requiredPayment computes the unit-of-account amount x to raise so that the
// position returns to the balance ratio B: (C − x)/(D − x) ≥ B, i.e.
// x = (B·D − ray·C)/(B − ray), rounded up. The result is capped at the
// outstanding debt; callers cap it at what the collateral can raise.
func requiredPayment(collateralValue, debtValue, balanceRatio *big.Int) *big.Int {
	if debtValue == nil || debtValue.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(balanceRatio, debtValue)
	num.Sub(num, new(big.Int).Mul(ray, collateralValue))
	if num.Sign() <= 0 {
		return big.NewInt(0)
	}
	den := new(big.Int).Sub(balanceRatio, ray)
	if den.Sign() <= 0 {
		return new(big.Int).Set(debtValue)
	}
	required := ceilDiv(num, den)
	if required.Cmp(debtValue) > 0 {
		required = new(big.Int).Set(debtValue)
	}
	return required
}

// applyFees grosses a required amount up by the burn and reward fees.
func applyFees(amount *big.Int, burnFee, rewardFee uint64) *big.Int {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0)
	}
	total := new(big.Int).SetUint64(10_000 + burnFee + rewardFee)
	out := new(big.Int).Mul(amount, total)
	return out.Quo(out, basisPoints)
}

// feeShares splits a grossed-up received amount back into its burn and
// reward components.
func feeShares(received *big.Int, burnFee, rewardFee uint64) (burn, reward *big.Int) {
	if received == nil || received.Sign() == 0 || burnFee+rewardFee == 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	den := new(big.Int).SetUint64(10_000 + burnFee + rewardFee)
	burn = new(big.Int).Mul(received, new(big.Int).SetUint64(burnFee))
	burn.Quo(burn, den)
	reward = new(big.Int).Mul(received, new(big.Int).SetUint64(rewardFee))
	reward.Quo(reward, den)
	return burn, reward
}
