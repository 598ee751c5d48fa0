// Package quorum turns per-layer results into a found, not-found or pending-review decision.
//
// The rule is deliberately asymmetric: a single healthy layer that found a reply confirms it,
// while a negative needs at least minHealthy healthy layers. Anything in between goes to a human.
package quorum

import (
	replydomain "replywatch-backend/internal/reply/domain"
)

// DefaultMinHealthy is the number of healthy layers needed to trust a negative.
const DefaultMinHealthy = 3

// Evaluate combines layer results. Unhealthy layers never count as found, even when they
// returned partial matches.
func Evaluate(results []replydomain.LayerResult, minHealthy int) replydomain.QuorumResult {
	if minHealthy <= 0 {
		minHealthy = DefaultMinHealthy
	}

	out := replydomain.QuorumResult{
		HealthyLayers: []string{},
		FoundLayers:   []string{},
		FailedLayers:  []string{},
	}
	for _, r := range results {
		if !r.Healthy {
			out.FailedLayers = append(out.FailedLayers, r.Layer)
			continue
		}
		out.HealthyLayers = append(out.HealthyLayers, r.Layer)
		if r.Found {
			out.FoundLayers = append(out.FoundLayers, r.Layer)
		}
	}

	switch {
	case len(out.FoundLayers) > 0:
		out.Found = true
		out.QuorumMet = true
	case len(out.HealthyLayers) >= minHealthy:
		out.QuorumMet = true
	default:
		out.PendingReview = true
	}
	return out
}
