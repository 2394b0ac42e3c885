package identity

import "sync"

// Status classifies one source's contribution to a resolution run.
// Errors and empty results both fall through to the next source, but
// they are counted apart so operators can tell a persistent outage from
// a legitimately absent relationship.
type Status string

const (
	StatusOK      Status = "ok"
	StatusEmpty   Status = "empty"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Counters accumulates per-source outcomes for the process lifetime.
type Counters struct {
	mu sync.Mutex
	m  map[string]map[Status]int64
}

func NewCounters() *Counters {
	return &Counters{m: make(map[string]map[Status]int64)}
}

func (c *Counters) record(source string, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m[source] == nil {
		c.m[source] = make(map[Status]int64)
	}
	c.m[source][status]++
}

// Snapshot returns a copy safe for serialization.
func (c *Counters) Snapshot() map[string]map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]int64, len(c.m))
	for source, statuses := range c.m {
		out[source] = make(map[string]int64, len(statuses))
		for status, n := range statuses {
			out[source][string(status)] = n
		}
	}
	return out
}
