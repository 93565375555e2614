package health

import (
	"time"

	"messaging-platform/internal/session"
)

// Score derives a 0-100 reliability metric from status and staleness.
//
// Properties relied on elsewhere:
// - Deterministic: same inputs, same score.
// - Monotonically non-increasing in time-since-last-activity for a fixed status.
// - Independent of provider type.

const (
	// GracePeriod of recent activity costs nothing.
	GracePeriod = 5 * time.Minute

	// decayStep is how much staleness buys one penalty point after the grace
	// period.
	decayStep = 10 * time.Minute

	maxPenalty = 70
)

func Score(status session.Status, lastActivity, now time.Time) int {
	base := baseScore(status)
	if base == 0 {
		return 0
	}

	stale := now.Sub(lastActivity)
	if stale <= GracePeriod {
		return base
	}

	penalty := int((stale - GracePeriod) / decayStep)
	if penalty > maxPenalty {
		penalty = maxPenalty
	}
	score := base - penalty
	if score < 0 {
		return 0
	}
	return score
}

func baseScore(status session.Status) int {
	switch status {
	case session.StatusConnected:
		return 100
	case session.StatusAuthenticated:
		return 80
	case session.StatusQRPending:
		return 60
	case session.StatusInitializing:
		return 50
	case session.StatusDisconnected:
		return 40
	default: // failed and anything unknown
		return 0
	}
}
