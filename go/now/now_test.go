package now

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mockTime = time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)

func TestNow_TimeInContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), ContextKey, mockTime)
	assert.Equal(t, mockTime, Now(ctx))
}

func TestNow_NoValueInContext_ReturnsWallClock(t *testing.T) {
	before := time.Now()
	actual := Now(context.Background())
	after := time.Now()
	require.False(t, actual.Before(before))
	require.False(t, actual.After(after))
}

func TestTimeTravelingContext_SetTimeChangesNow(t *testing.T) {
	ctx := TimeTravelingContext(mockTime)
	assert.Equal(t, mockTime, Now(ctx))
	ctx.SetTime(mockTime.Add(2 * time.Minute))
	assert.Equal(t, mockTime.Add(2*time.Minute), Now(ctx))
	ctx.AdvanceTime(time.Minute)
	assert.Equal(t, mockTime.Add(3*time.Minute), Now(ctx))
}
