package bench

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkload_Deterministic(t *testing.T) {
	a := DefaultWorkload()
	b := DefaultWorkload()

	for i := 0; i < 100; i++ {
		assert.Equal(t, a.QueryFor(i), b.QueryFor(i))
	}
}

func TestWorkload_UsesEveryQuery(t *testing.T) {
	w := DefaultWorkload()
	seen := make(map[string]int)
	for i := 0; i < 300; i++ {
		seen[w.QueryFor(i)]++
	}

	for _, q := range DefaultQueries {
		assert.Greater(t, seen[q], 0, q)
	}
	assert.Len(t, seen, len(DefaultQueries))
}

func TestWorkload_SeedChangesSequence(t *testing.T) {
	a := Workload{Queries: DefaultQueries, Seed: 1}
	b := Workload{Queries: DefaultQueries, Seed: 2}

	differs := false
	for i := 0; i < 64 && !differs; i++ {
		differs = a.QueryFor(i) != b.QueryFor(i)
	}
	assert.True(t, differs)
}

func TestWorkload_Fallbacks(t *testing.T) {
	assert.Contains(t, DefaultQueries, Workload{}.QueryFor(3))
	assert.Equal(t, "SELECT 42", Workload{Queries: []string{"SELECT 42"}}.QueryFor(9))
}
