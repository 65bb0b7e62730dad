package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Counter names used across the service.
const (
	AuthFailure             = "auth_failure"
	SessionsCreated         = "sessions_created"
	SessionsEnded           = "sessions_ended"
	ParticipantsJoined      = "participants_joined"
	ParticipantsLeft        = "participants_left"
	ControlGrants           = "control_grants"
	ControlReleases         = "control_releases"
	ControlGrantDenied      = "control_grant_denied"
	ControlGrantRateLimited = "control_grant_rate_limited"
	MalformedSignal         = "malformed_signal"
	ProvisionFailures       = "provision_failures"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A deployment is expected to scrape GET /metrics; the registry exists so
// arbitration and handshake logic stay observable and testable without a
// metrics backend dependency.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// Render writes the counters in a plain "name value" line format, sorted by
// name for stable output.
func (m *Metrics) Render() string {
	snap := m.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "cobrowse_%s %d\n", name, snap[name])
	}
	return b.String()
}
