package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

var testTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func testThresholds() Thresholds {
	return Thresholds{
		BlockedThreshold: 2,
		NetworkThreshold: 3,
		BlockedCooldown:  30 * time.Minute,
		NetworkCooldown:  10 * time.Minute,
	}
}

func TestApplyRunOutcome_EntersBlockedCooldown(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	s := &types.UserSettings{UserID: 1}

	entered, reason := ApplyRunOutcome(ctx, s, 7, 2, 0, testThresholds())
	assert.True(t, entered)
	assert.Equal(t, ReasonBlockedThreshold, reason)
	require.NotNil(t, s.ScrapeCooldownUntil)
	assert.Equal(t, testTime.Add(30*time.Minute), *s.ScrapeCooldownUntil)
	assert.Equal(t, 1, s.SafetyState.CooldownEntryCount)
	assert.Equal(t, 1, s.SafetyState.ConsecutiveBlockedRuns)
	assert.Equal(t, 2, s.SafetyState.LastBlockedFailureCount)
	require.NotNil(t, s.SafetyState.LastEvaluatedRunID)
	assert.Equal(t, int64(7), *s.SafetyState.LastEvaluatedRunID)
}

func TestApplyRunOutcome_BlockedTakesPriorityOverNetwork(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	s := &types.UserSettings{UserID: 1}

	entered, reason := ApplyRunOutcome(ctx, s, 1, 5, 5, testThresholds())
	assert.True(t, entered)
	assert.Equal(t, ReasonBlockedThreshold, reason)
}

func TestApplyRunOutcome_NetworkCooldownFloor(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	s := &types.UserSettings{UserID: 1}
	th := testThresholds()
	th.NetworkCooldown = 5 * time.Second

	entered, reason := ApplyRunOutcome(ctx, s, 1, 0, 3, th)
	assert.True(t, entered)
	assert.Equal(t, ReasonNetworkThreshold, reason)
	// Cooldowns never run shorter than a minute.
	assert.Equal(t, testTime.Add(minCooldown), *s.ScrapeCooldownUntil)
}

func TestApplyRunOutcome_CleanRunResetsConsecutiveCounters(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	s := &types.UserSettings{UserID: 1}
	s.SafetyState.ConsecutiveBlockedRuns = 3
	s.SafetyState.ConsecutiveNetworkRuns = 2

	entered, _ := ApplyRunOutcome(ctx, s, 9, 0, 0, testThresholds())
	assert.False(t, entered)
	assert.Zero(t, s.SafetyState.ConsecutiveBlockedRuns)
	assert.Zero(t, s.SafetyState.ConsecutiveNetworkRuns)
	assert.Nil(t, s.ScrapeCooldownUntil)
}

func TestApplyRunOutcome_BelowThresholdBumpsConsecutiveOnly(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	s := &types.UserSettings{UserID: 1}

	entered, _ := ApplyRunOutcome(ctx, s, 9, 1, 1, testThresholds())
	assert.False(t, entered)
	assert.Equal(t, 1, s.SafetyState.ConsecutiveBlockedRuns)
	assert.Equal(t, 1, s.SafetyState.ConsecutiveNetworkRuns)
	assert.Nil(t, s.ScrapeCooldownUntil)
}

func TestApplyRunOutcome_CleanRunClearsExpiredCooldown(t *testing.T) {
	ttc := now.TimeTravelingContext(testTime)
	s := &types.UserSettings{UserID: 1}
	until := testTime.Add(-time.Minute)
	s.ScrapeCooldownUntil = &until
	s.ScrapeCooldownReason = ReasonBlockedThreshold

	entered, _ := ApplyRunOutcome(ttc, s, 9, 0, 0, testThresholds())
	assert.False(t, entered)
	assert.Nil(t, s.ScrapeCooldownUntil)
	assert.Empty(t, s.ScrapeCooldownReason)
}

func TestCooldownLifecycle(t *testing.T) {
	ttc := now.TimeTravelingContext(testTime)
	s := &types.UserSettings{UserID: 1}

	entered, _ := ApplyRunOutcome(ttc, s, 7, 2, 0, testThresholds())
	require.True(t, entered)
	assert.True(t, IsCooldownActive(ttc, s))
	assert.False(t, ClearExpiredCooldown(ttc, s))

	ttc.SetTime(testTime.Add(31 * time.Minute))
	assert.False(t, IsCooldownActive(ttc, s))
	assert.True(t, ClearExpiredCooldown(ttc, s))
	assert.Nil(t, s.ScrapeCooldownUntil)
}

func TestRegisterBlockedStart(t *testing.T) {
	s := &types.UserSettings{UserID: 1}
	RegisterBlockedStart(s)
	RegisterBlockedStart(s)
	assert.Equal(t, 2, s.SafetyState.BlockedStartCount)
	// Blocked starts never extend the cooldown.
	assert.Nil(t, s.ScrapeCooldownUntil)
}
