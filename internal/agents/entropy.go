// Package agents provides the LLM forecasting layer: provider clients,
// domain classification, news retrieval, the forecaster ensemble, and the
// entropy-based confidence signal derived from token log-probabilities.
package agents

import (
	"math"
	"strings"

	"prediction-trader/internal/models"
)

// DefaultEntropy is the assumed entropy when no log-probabilities are
// available to measure one. It matches the default high-tier threshold, so
// an unmeasurable forecast never lands in the high-confidence tier for free.
const DefaultEntropy = 4.0

// Entropy sentinels for providers that return a parseable probability but no
// logprobs (mildly uncertain) and responses where no probability could be
// parsed at all (very uncertain).
const (
	EntropyNoLogprobs = 3.5
	EntropyNoParse    = 6.0
)

// TokenLogprob is one token from a provider logprobs payload.
type TokenLogprob struct {
	Token   string
	Logprob float64
}

// SequenceEntropy computes the mean per-token Shannon entropy (in bits) from
// a sequence of top-1 log-probabilities.
//
// With only the chosen token's logprob available the full distribution is
// unknown, so each token contributes the conservative lower bound
// -log2(p_chosen). Returns DefaultEntropy for an empty sequence.
func SequenceEntropy(logprobs []float64) float64 {
	if len(logprobs) == 0 {
		return DefaultEntropy
	}
	var sum float64
	for _, lp := range logprobs {
		// Clamp to avoid log(0) for tokens reported at probability 1.
		lp = math.Min(lp, -1e-9)
		sum += -lp / math.Ln2
	}
	return sum / float64(len(logprobs))
}

// DistributionEntropy computes the mean true Shannon entropy (in bits) from
// per-token top-k logprob distributions. Each inner slice is one token's
// top-k alternatives; the distribution is renormalised since top-k mass may
// not sum to 1. Returns DefaultEntropy when no usable distributions exist.
func DistributionEntropy(topLogprobs [][]TokenLogprob) float64 {
	if len(topLogprobs) == 0 {
		return DefaultEntropy
	}
	var entropies []float64
	for _, dist := range topLogprobs {
		if len(dist) == 0 {
			continue
		}
		probs := make([]float64, 0, len(dist))
		var total float64
		for _, tl := range dist {
			p := math.Exp(tl.Logprob)
			probs = append(probs, p)
			total += p
		}
		if total <= 0 {
			continue
		}
		var h float64
		for _, p := range probs {
			p /= total
			if p > 0 {
				h -= p * math.Log2(p)
			}
		}
		entropies = append(entropies, h)
	}
	if len(entropies) == 0 {
		return DefaultEntropy
	}
	var sum float64
	for _, h := range entropies {
		sum += h
	}
	return sum / float64(len(entropies))
}

// ConfidenceTier maps an entropy value to a tier using the given high-tier
// threshold. The medium tier extends to 1.5x the threshold.
func ConfidenceTier(entropy, threshold float64) string {
	switch {
	case entropy <= threshold:
		return models.TierHigh
	case entropy <= threshold*1.5:
		return models.TierMedium
	default:
		return models.TierLow
	}
}

// ExtractNumberLogprobs pulls two signals from a provider logprobs payload:
// the mean logprob of numeric tokens (how sure the model was about the digits
// it emitted) and the flat per-token logprob list for entropy computation.
// With no numeric tokens the mean defaults to -2.0.
func ExtractNumberLogprobs(tokens []TokenLogprob) (float64, []float64) {
	flat := make([]float64, 0, len(tokens))
	var digitSum float64
	var digitN int
	for _, tl := range tokens {
		flat = append(flat, tl.Logprob)
		if isDigitToken(tl.Token) {
			digitSum += tl.Logprob
			digitN++
		}
	}
	if digitN == 0 {
		return -2.0, flat
	}
	return digitSum / float64(digitN), flat
}

func isDigitToken(token string) bool {
	s := strings.TrimPrefix(strings.TrimSpace(token), "-")
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
