package pool

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-i2p/go-dbpool/rawconn"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Selection is a strategy and tuned configuration chosen for a workload.
type Selection struct {
	// Tier names the workload class the selection was derived from
	Tier     string
	Strategy Strategy
	Config   PoolConfig
}

// Tier names
const (
	TierSmall  = "small"
	TierMedium = "medium"
	TierLarge  = "large"
)

// Profile names
const (
	ProfileDevelopment     = "development"
	ProfileTesting         = "testing"
	ProfileProduction      = "production"
	ProfileHighConcurrency = "high-concurrency"
)

type tier struct {
	name           string
	maxConcurrency int // inclusive upper bound, 0 for unbounded
	strategy       Strategy
	min, max       int
	maxWait        time.Duration
	maxWaiting     int
	fastFail       bool
}

// concurrencyTiers is ordered by ascending concurrency
var concurrencyTiers = []tier{
	{TierSmall, 10, StrategyQueue, 2, 10, 5 * time.Second, 50, false},
	{TierMedium, 50, StrategyQueue, 5, 25, 3 * time.Second, 200, false},
	{TierLarge, 0, StrategySemaphore, 10, 100, time.Second, 1000, true},
}

func (t tier) selection() Selection {
	cfg := NewPoolConfig().
		WithMinConnections(t.min).
		WithMaxConnections(t.max).
		WithMaxWaitTime(t.maxWait).
		WithMaxWaitingRequests(t.maxWaiting).
		WithFastFail(t.fastFail)
	return Selection{Tier: t.name, Strategy: t.strategy, Config: *cfg}
}

func tierByName(name string) tier {
	for _, t := range concurrencyTiers {
		if t.name == name {
			return t
		}
	}
	panic("pool: unknown tier " + name)
}

// SelectForConcurrency picks a strategy and configuration for the expected
// number of concurrent callers. Larger loads never map to a smaller max pool
// size.
func SelectForConcurrency(concurrency int) Selection {
	for _, t := range concurrencyTiers {
		if t.maxConcurrency == 0 || concurrency <= t.maxConcurrency {
			return t.selection()
		}
	}
	return concurrencyTiers[len(concurrencyTiers)-1].selection()
}

var profiles = map[string]func() Selection{
	ProfileDevelopment: func() Selection {
		return tierByName(TierSmall).selection()
	},
	ProfileTesting: func() Selection {
		sel := tierByName(TierSmall).selection()
		sel.Config.MaxWaitTime = time.Second
		sel.Config.ConnectionTimeout = time.Second
		sel.Config.MaxIdleTime = 5 * time.Second
		return sel
	},
	ProfileProduction: func() Selection {
		return tierByName(TierMedium).selection()
	},
	ProfileHighConcurrency: func() Selection {
		return tierByName(TierLarge).selection()
	},
}

// Profiles returns the known profile names in sorted order.
func Profiles() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SelectForProfile returns the selection for a named deployment profile.
func SelectForProfile(name string) (Selection, error) {
	build, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Selection{}, oops.
			Code("UNKNOWN_PROFILE").
			In("pool").
			With("profile", name).
			With("known_profiles", Profiles()).
			Wrap(ErrUnknownProfile)
	}
	return build(), nil
}

// New constructs an uninitialized pool for the selection.
func New(sel Selection, connector rawconn.Connector) (Pool, error) {
	cfg := sel.Config

	log.WithFields(logrus.Fields{
		"tier":            sel.Tier,
		"strategy":        sel.Strategy.String(),
		"max_connections": cfg.MaxConnections,
		"fast_fail":       cfg.FastFail,
	}).Debug("Creating connection pool")

	switch sel.Strategy {
	case StrategyQueue:
		p, err := NewQueuePool(&cfg, connector)
		if err != nil {
			return nil, err
		}
		return p, nil
	case StrategySemaphore:
		p, err := NewSemaphorePool(&cfg, connector)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, oops.
			Code("UNKNOWN_STRATEGY").
			In("pool").
			With("strategy", int(sel.Strategy)).
			Wrap(ErrUnknownStrategy)
	}
}

// Open constructs and initializes a pool for the selection.
func Open(ctx context.Context, sel Selection, connector rawconn.Connector) (Pool, error) {
	p, err := New(sel, connector)
	if err != nil {
		return nil, err
	}
	if err := p.Initialize(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}
