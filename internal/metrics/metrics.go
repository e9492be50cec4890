// Package metrics holds the engine's counters and renders them in
// Prometheus text exposition format for the /metrics endpoint.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"notifyflow/internal/domain"
)

// Registry is a set of named counters, some partitioned by channel.
type Registry struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func New() *Registry {
	return &Registry{counters: make(map[string]uint64)}
}

func (r *Registry) add(key string, n uint64) {
	r.mu.Lock()
	r.counters[key] += n
	r.mu.Unlock()
}

// Event-level counters.
func (r *Registry) EventConsumed()  { r.add("notifyflow_events_consumed_total", 1) }
func (r *Registry) EventMalformed() { r.add("notifyflow_events_malformed_total", 1) }
func (r *Registry) EventRequeued()  { r.add("notifyflow_events_requeued_total", 1) }

// Channel-level counters.
func (r *Registry) Attempt(ch domain.Channel)   { r.add(channelKey("attempts", ch), 1) }
func (r *Registry) Sent(ch domain.Channel)      { r.add(channelKey("sent", ch), 1) }
func (r *Registry) Failed(ch domain.Channel)    { r.add(channelKey("failed", ch), 1) }
func (r *Registry) Exhausted(ch domain.Channel) { r.add(channelKey("exhausted", ch), 1) }
func (r *Registry) Skipped(ch domain.Channel)   { r.add(channelKey("skipped", ch), 1) }

// Outcome publication counters.
func (r *Registry) OutcomePublished()     { r.add("notifyflow_outcomes_published_total", 1) }
func (r *Registry) OutcomePublishFailed() { r.add("notifyflow_outcomes_publish_failed_total", 1) }

func channelKey(name string, ch domain.Channel) string {
	return fmt.Sprintf("notifyflow_deliveries_%s_total{channel=%q}", name, string(ch))
}

// Get returns the current value of a counter key, for tests and handlers.
func (r *Registry) Get(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[key]
}

// Render writes all counters in Prometheus text format, keys sorted for
// stable output.
func (r *Registry) Render() string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.counters))
	for k := range r.counters {
		keys = append(keys, k)
	}
	vals := make(map[string]uint64, len(r.counters))
	for k, v := range r.counters {
		vals[k] = v
	}
	r.mu.Unlock()

	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("notifyflow_up 1\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s %d\n", k, vals[k])
	}
	return b.String()
}
