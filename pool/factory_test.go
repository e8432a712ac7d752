package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSelectForConcurrency(t *testing.T) {
	tests := []struct {
		concurrency int
		tier        string
		strategy    Strategy
		min, max    int
		maxWait     time.Duration
		maxWaiting  int
		fastFail    bool
	}{
		{0, TierSmall, StrategyQueue, 2, 10, 5 * time.Second, 50, false},
		{10, TierSmall, StrategyQueue, 2, 10, 5 * time.Second, 50, false},
		{11, TierMedium, StrategyQueue, 5, 25, 3 * time.Second, 200, false},
		{50, TierMedium, StrategyQueue, 5, 25, 3 * time.Second, 200, false},
		{51, TierLarge, StrategySemaphore, 10, 100, time.Second, 1000, true},
		{10000, TierLarge, StrategySemaphore, 10, 100, time.Second, 1000, true},
	}

	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			sel := SelectForConcurrency(tt.concurrency)
			assert.Equal(t, tt.tier, sel.Tier)
			assert.Equal(t, tt.strategy, sel.Strategy)
			assert.Equal(t, tt.min, sel.Config.MinConnections)
			assert.Equal(t, tt.max, sel.Config.MaxConnections)
			assert.Equal(t, tt.maxWait, sel.Config.MaxWaitTime)
			assert.Equal(t, tt.maxWaiting, sel.Config.MaxWaitingRequests)
			assert.Equal(t, tt.fastFail, sel.Config.FastFail)
			assert.NoError(t, sel.Config.Validate())
		})
	}
}

func TestSelectForConcurrency_MonotonicMaxConnections(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.IntRange(0, 5000).Draw(t, "a")
		b := rapid.IntRange(a, 5000).Draw(t, "b")

		low, high := SelectForConcurrency(a), SelectForConcurrency(b)
		if high.Config.MaxConnections < low.Config.MaxConnections {
			t.Fatalf("concurrency %d -> max %d but %d -> max %d",
				a, low.Config.MaxConnections, b, high.Config.MaxConnections)
		}
	})
}

func TestSelectForProfile(t *testing.T) {
	tests := []struct {
		profile  string
		tier     string
		strategy Strategy
	}{
		{ProfileDevelopment, TierSmall, StrategyQueue},
		{ProfileTesting, TierSmall, StrategyQueue},
		{ProfileProduction, TierMedium, StrategyQueue},
		{ProfileHighConcurrency, TierLarge, StrategySemaphore},
		{"  Production ", TierMedium, StrategyQueue},
	}

	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			sel, err := SelectForProfile(tt.profile)
			require.NoError(t, err)
			assert.Equal(t, tt.tier, sel.Tier)
			assert.Equal(t, tt.strategy, sel.Strategy)
			assert.NoError(t, sel.Config.Validate())
		})
	}

	t.Run("testing shortens waits", func(t *testing.T) {
		sel, err := SelectForProfile(ProfileTesting)
		require.NoError(t, err)
		assert.Equal(t, time.Second, sel.Config.MaxWaitTime)
		assert.Equal(t, 5*time.Second, sel.Config.MaxIdleTime)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := SelectForProfile("staging")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownProfile))

		oopsErr, ok := oops.AsOops(err)
		require.True(t, ok)
		assert.Equal(t, "UNKNOWN_PROFILE", oopsErr.Code())
	})
}

func TestProfiles(t *testing.T) {
	assert.Equal(t, []string{
		ProfileDevelopment,
		ProfileHighConcurrency,
		ProfileProduction,
		ProfileTesting,
	}, Profiles())
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		input   string
		want    Strategy
		wantErr bool
	}{
		{"queue", StrategyQueue, false},
		{"QUEUE", StrategyQueue, false},
		{"queue_lock", StrategyQueue, false},
		{"semaphore", StrategySemaphore, false},
		{" Semaphore ", StrategySemaphore, false},
		{"mutex", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStrategy(tt.input)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrUnknownStrategy))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStrategy_Text(t *testing.T) {
	text, err := StrategySemaphore.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "semaphore", string(text))

	var s Strategy
	require.NoError(t, s.UnmarshalText([]byte("queue")))
	assert.Equal(t, StrategyQueue, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
	assert.Equal(t, "unknown", Strategy(42).String())
}

func TestNew(t *testing.T) {
	for _, strategy := range allStrategies {
		t.Run(strategy.String(), func(t *testing.T) {
			sel := SelectForConcurrency(5)
			sel.Strategy = strategy

			p, err := New(sel, &fakeConnector{})
			require.NoError(t, err)
			defer p.Close()

			assert.Equal(t, strategy, p.Strategy())
			assert.Equal(t, sel.Config, p.Config())
			assert.Equal(t, "uninitialized", p.Stats().State)
		})
	}

	t.Run("unknown strategy", func(t *testing.T) {
		_, err := New(Selection{Strategy: Strategy(9), Config: *NewPoolConfig()}, &fakeConnector{})
		assert.True(t, errors.Is(err, ErrUnknownStrategy))
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := New(Selection{Strategy: StrategyQueue}, &fakeConnector{})
		assert.True(t, errors.Is(err, ErrConfigInvalid))
	})
}

func TestOpen(t *testing.T) {
	connector := &fakeConnector{}
	sel := SelectForConcurrency(100)

	p, err := Open(context.Background(), sel, connector)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, StrategySemaphore, p.Strategy())
	assert.Equal(t, 10, p.Stats().TotalConnections)

	failing := &fakeConnector{shouldFail: func(int64) bool { return true }}
	_, err = Open(context.Background(), sel, failing)
	assert.True(t, errors.Is(err, ErrConnectionCreateFailed))
}
