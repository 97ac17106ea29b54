package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postdeck/internal/models"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestWindowBudgetExhausts(t *testing.T) {
	rules := Rules{models.PlatformTikTok: {"post/publish": {Limit: 2, Window: time.Hour}}}
	l := NewMemoryLimiter(rules)
	now := time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC)
	l.now = fixedClock(now)

	ctx := t.Context()
	d, err := l.Check(ctx, "acct-1", models.PlatformTikTok, "post/publish")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 2, d.Remaining)
	require.Equal(t, "window", d.Source)

	require.NoError(t, l.Consume(ctx, "acct-1", models.PlatformTikTok, "post/publish"))
	require.NoError(t, l.Consume(ctx, "acct-1", models.PlatformTikTok, "post/publish"))

	d, err = l.Check(ctx, "acct-1", models.PlatformTikTok, "post/publish")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.Equal(t, now.Truncate(time.Hour).Add(time.Hour), d.ResetsAt)
}

func TestWindowResets(t *testing.T) {
	rules := Rules{models.PlatformTwitter: {"tweets": {Limit: 1, Window: time.Hour}}}
	l := NewMemoryLimiter(rules)
	now := time.Date(2026, 9, 1, 10, 59, 0, 0, time.UTC)
	l.now = fixedClock(now)

	ctx := t.Context()
	require.NoError(t, l.Consume(ctx, "acct-1", models.PlatformTwitter, "tweets"))
	d, _ := l.Check(ctx, "acct-1", models.PlatformTwitter, "tweets")
	require.False(t, d.Allowed)

	// A minute later the next fixed window opens with a full budget.
	l.now = fixedClock(now.Add(2 * time.Minute))
	d, _ = l.Check(ctx, "acct-1", models.PlatformTwitter, "tweets")
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Remaining)
}

func TestBudgetsAreIndependentPerAccountAndEndpoint(t *testing.T) {
	rules := Rules{models.PlatformTwitter: {
		"tweets": {Limit: 1, Window: time.Hour},
		"media":  {Limit: 1, Window: time.Hour},
	}}
	l := NewMemoryLimiter(rules)
	ctx := t.Context()

	require.NoError(t, l.Consume(ctx, "acct-1", models.PlatformTwitter, "tweets"))

	d, _ := l.Check(ctx, "acct-1", models.PlatformTwitter, "tweets")
	require.False(t, d.Allowed)

	// Same account, different endpoint: untouched.
	d, _ = l.Check(ctx, "acct-1", models.PlatformTwitter, "media")
	require.True(t, d.Allowed)

	// Different account, same endpoint: untouched.
	d, _ = l.Check(ctx, "acct-2", models.PlatformTwitter, "tweets")
	require.True(t, d.Allowed)
}

func TestVendorOverrideBeatsLocalWindow(t *testing.T) {
	rules := Rules{models.PlatformTwitter: {"tweets": {Limit: 300, Window: 3 * time.Hour}}}
	l := NewMemoryLimiter(rules)
	ctx := t.Context()

	// Local window says plenty left; the vendor says zero.
	resetsAt := time.Now().Add(20 * time.Minute)
	require.NoError(t, l.Override(ctx, "acct-1", models.PlatformTwitter, "tweets", 0, 300, resetsAt))

	d, err := l.Check(ctx, "acct-1", models.PlatformTwitter, "tweets")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, "override", d.Source)
	require.WithinDuration(t, resetsAt, d.ResetsAt, time.Second)
}

func TestExpiredOverrideFallsBackToWindow(t *testing.T) {
	rules := Rules{models.PlatformTwitter: {"tweets": {Limit: 5, Window: time.Hour}}}
	l := NewMemoryLimiter(rules)
	ctx := t.Context()

	require.NoError(t, l.Override(ctx, "acct-1", models.PlatformTwitter, "tweets", 0, 5, time.Now().Add(10*time.Millisecond)))
	time.Sleep(20 * time.Millisecond)

	d, err := l.Check(ctx, "acct-1", models.PlatformTwitter, "tweets")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, "window", d.Source)
}

func TestUnknownEndpointIsUnlimited(t *testing.T) {
	l := NewMemoryLimiter(Rules{})
	d, err := l.Check(t.Context(), "acct-1", models.PlatformFacebook, "feed")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, "unlimited", d.Source)
}

func TestDecisionSnapshot(t *testing.T) {
	d := Decision{Allowed: false, Limit: 300, Remaining: 0, Source: "override"}
	snap := d.Snapshot()
	require.Contains(t, snap, `"allowed":false`)
	require.Contains(t, snap, `"remaining":0`)
}
