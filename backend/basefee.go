package backend

import (
	"math/big"

	"devnode/params"
)

// CalcNextBaseFee computes the base fee of the block following a parent with
// the given base fee, gas used and gas limit, per the EIP-1559 elasticity
// rule. All arithmetic is integer with division rounding toward zero; the
// per-block delta is bounded to 1/8th of the parent fee and the result never
// drops below the protocol floor.
func CalcNextBaseFee(parentBaseFee *big.Int, gasUsed, gasLimit uint64) *big.Int {
	gasTarget := gasLimit / params.ElasticityMultiplier
	if gasTarget == 0 || gasUsed == gasTarget {
		return new(big.Int).Set(parentBaseFee)
	}
	var (
		num   = new(big.Int)
		denom = new(big.Int)
	)
	if gasUsed > gasTarget {
		// max(1, parentBaseFee * gasUsedDelta / gasTarget / denominator)
		num.SetUint64(gasUsed - gasTarget)
		num.Mul(num, parentBaseFee)
		num.Div(num, denom.SetUint64(gasTarget))
		num.Div(num, denom.SetUint64(params.BaseFeeChangeDenominator))
		if num.Sign() == 0 {
			num.SetUint64(1)
		}
		return num.Add(num, parentBaseFee)
	}
	// parentBaseFee - parentBaseFee * gasUsedDelta / gasTarget / denominator,
	// clamped at the floor
	num.SetUint64(gasTarget - gasUsed)
	num.Mul(num, parentBaseFee)
	num.Div(num, denom.SetUint64(gasTarget))
	num.Div(num, denom.SetUint64(params.BaseFeeChangeDenominator))
	next := num.Sub(parentBaseFee, num)

	if floor := new(big.Int).SetUint64(params.MinBaseFee); next.Cmp(floor) < 0 {
		return floor
	}
	return next
}
