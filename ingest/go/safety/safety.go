// Package safety implements the per-user scrape-safety controller. After
// each run the engine feeds it the blocked and network failure counts;
// crossing a threshold puts the user into a cooldown during which no new
// runs may start. State lives inside UserSettings and is persisted by the
// caller.
package safety

import (
	"context"
	"time"

	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

// Cooldown reasons stored on UserSettings.ScrapeCooldownReason.
const (
	ReasonBlockedThreshold = "blocked_failure_threshold_exceeded"
	ReasonNetworkThreshold = "network_failure_threshold_exceeded"
)

// minCooldown is the floor applied to any configured cooldown.
const minCooldown = 60 * time.Second

// Thresholds configure when a run outcome triggers a cooldown. Thresholds
// below 1 are treated as 1.
type Thresholds struct {
	BlockedThreshold int
	NetworkThreshold int
	BlockedCooldown  time.Duration
	NetworkCooldown  time.Duration
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func atLeastMin(d time.Duration) time.Duration {
	if d < minCooldown {
		return minCooldown
	}
	return d
}

// ApplyRunOutcome updates the safety counters for a finished run and
// decides whether the user enters a cooldown. It mutates s; the caller
// persists. Returns whether a cooldown was entered and its reason.
func ApplyRunOutcome(ctx context.Context, s *types.UserSettings, runID int64, blockedFailures, networkFailures int, th Thresholds) (bool, string) {
	st := &s.SafetyState
	st.LastBlockedFailureCount = blockedFailures
	st.LastNetworkFailureCount = networkFailures
	st.LastEvaluatedRunID = &runID

	if blockedFailures > 0 {
		st.ConsecutiveBlockedRuns++
	} else {
		st.ConsecutiveBlockedRuns = 0
	}
	if networkFailures > 0 {
		st.ConsecutiveNetworkRuns++
	} else {
		st.ConsecutiveNetworkRuns = 0
	}

	var reason string
	var cooldown time.Duration
	switch {
	case blockedFailures >= atLeastOne(th.BlockedThreshold):
		reason = ReasonBlockedThreshold
		cooldown = atLeastMin(th.BlockedCooldown)
	case networkFailures >= atLeastOne(th.NetworkThreshold):
		reason = ReasonNetworkThreshold
		cooldown = atLeastMin(th.NetworkCooldown)
	default:
		ClearExpiredCooldown(ctx, s)
		return false, ""
	}

	until := now.Now(ctx).Add(cooldown)
	s.ScrapeCooldownUntil = &until
	s.ScrapeCooldownReason = reason
	st.CooldownEntryCount++
	sklog.Warningf("User %d entering scrape cooldown until %s: %s", s.UserID, until.Format(time.RFC3339), reason)
	return true, reason
}

// IsCooldownActive reports whether the user's cooldown extends past now.
func IsCooldownActive(ctx context.Context, s *types.UserSettings) bool {
	return s.ScrapeCooldownUntil != nil && s.ScrapeCooldownUntil.After(now.Now(ctx))
}

// ClearExpiredCooldown lazily clears a cooldown that has passed. Reports
// whether anything was cleared; the caller persists if so.
func ClearExpiredCooldown(ctx context.Context, s *types.UserSettings) bool {
	if s.ScrapeCooldownUntil == nil || s.ScrapeCooldownUntil.After(now.Now(ctx)) {
		return false
	}
	s.ScrapeCooldownUntil = nil
	s.ScrapeCooldownReason = ""
	return true
}

// RegisterBlockedStart counts a run attempt rejected because a cooldown
// was active. It never extends the cooldown.
func RegisterBlockedStart(s *types.UserSettings) {
	s.SafetyState.BlockedStartCount++
}
