// Package outcome decides how a chosen option plays out.
package outcome

import (
	"math/rand"

	"trailhead/internal/config"
	"trailhead/internal/domain"
)

// Result describes the effects one resolution had on an expedition.
type Result struct {
	Success            bool
	EffectiveRate      float64
	MultiplierApplied  float64
	ProbabilityDelta   float64
	TimePenaltySeconds int
}

// Resolve rolls the option and applies its effects to exp. Automatic
// resolutions are penalised: the success rate drops by
// rules.AutoSuccessRatePenalty and the reward multiplier is scaled by
// rules.AutoRewardScale.
func Resolve(rng *rand.Rand, rules config.Rules, exp *domain.Expedition, opt domain.EventOption, automatic bool) Result {
	rate := opt.SuccessRate
	multiplier := opt.RewardMultiplier
	if automatic {
		rate -= rules.AutoSuccessRatePenalty
		multiplier *= rules.AutoRewardScale
	}
	rate = clamp(rate, 0, 1)

	res := Result{EffectiveRate: rate, MultiplierApplied: 1}
	before := exp.SuccessProbability
	if rng.Float64() < rate {
		res.Success = true
		res.MultiplierApplied = multiplier
		exp.TotalRewardMultiplier *= multiplier
		exp.SuccessProbability = clamp(exp.SuccessProbability+rules.SuccessBonus, 0, 100)
	} else {
		exp.SuccessProbability = clamp(exp.SuccessProbability-rules.FailurePenalty, 0, 100)
		if opt.RiskLevel == domain.RiskHigh {
			res.TimePenaltySeconds = rules.HighRiskTimePenaltySeconds
			exp.TimeRemaining += rules.HighRiskTimePenaltySeconds
		}
	}
	res.ProbabilityDelta = exp.SuccessProbability - before
	return res
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
