package pool

import (
	"context"
	"testing"
	"time"
)

func benchmarkPool(b *testing.B, strategy Strategy, maxConns int) Pool {
	b.Helper()
	cfg := NewPoolConfig().
		WithMinConnections(maxConns).
		WithMaxConnections(maxConns).
		WithMaxWaitTime(30 * time.Second).
		WithMaxWaitingRequests(100000).
		WithMaintenanceInterval(time.Hour)

	p, err := New(Selection{Strategy: strategy, Config: *cfg}, &fakeConnector{})
	if err != nil {
		b.Fatal(err)
	}
	if err := p.Initialize(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { p.Close() })
	return p
}

func BenchmarkPool_GetReturn(b *testing.B) {
	for _, strategy := range allStrategies {
		b.Run(strategy.String(), func(b *testing.B) {
			p := benchmarkPool(b, strategy, 10)
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				pc, err := p.GetConnection(ctx)
				if err != nil {
					b.Fatal(err)
				}
				if err := p.ReturnConnection(pc); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkPool_Contended(b *testing.B) {
	for _, strategy := range allStrategies {
		b.Run(strategy.String(), func(b *testing.B) {
			p := benchmarkPool(b, strategy, 4)
			ctx := context.Background()

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					pc, err := p.GetConnection(ctx)
					if err != nil {
						b.Error(err)
						return
					}
					p.ReturnConnection(pc)
				}
			})
		})
	}
}

func BenchmarkPool_Stats(b *testing.B) {
	for _, strategy := range allStrategies {
		b.Run(strategy.String(), func(b *testing.B) {
			p := benchmarkPool(b, strategy, 50)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = p.Stats()
			}
		})
	}
}

func BenchmarkScoreHealth(b *testing.B) {
	stats := PoolStats{
		ActiveConnections:  9,
		MaxConnections:     10,
		WaitingRequests:    40,
		MaxWaitingRequests: 100,
		TotalRequests:      1000,
		TimeoutCount:       70,
		State:              "ready",
	}
	for i := 0; i < b.N; i++ {
		_ = ScoreHealth(stats, true)
	}
}
