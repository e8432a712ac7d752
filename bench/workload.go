package bench

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

// DefaultQueries is a light read-only mix every supported driver accepts.
var DefaultQueries = []string{
	"SELECT 1",
	"SELECT 1 + 1",
	"SELECT 'pool'",
}

// Workload decides which statement each benchmark request runs.
// Selection is keyed by Seed so two runs with the same seed issue the same
// sequence of statements, independent of scheduling.
type Workload struct {
	Queries []string `json:"queries" toml:"queries" yaml:"queries"`
	Seed    uint64   `json:"seed" toml:"seed" yaml:"seed"`
}

// DefaultWorkload returns the default query mix with a fixed seed.
func DefaultWorkload() Workload {
	return Workload{Queries: DefaultQueries, Seed: 0x6462706f6f6c}
}

// QueryFor returns the statement for request i.
func (w Workload) QueryFor(i int) string {
	queries := w.Queries
	if len(queries) == 0 {
		queries = DefaultQueries
	}
	if len(queries) == 1 {
		return queries[0]
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(i))
	h := siphash.Hash(w.Seed, ^w.Seed, buf[:])
	return queries[h%uint64(len(queries))]
}
