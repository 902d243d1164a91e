package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/frankieli/carrom_arena/pkg/logger"
)

// Rule is pure registration data: which events it matches, how important it
// is, and what to do. Higher priority runs first; ties break by registration
// order.
type Rule struct {
	Name      string
	EventType EventType // concrete type or Wildcard
	Predicate func(*Event) bool
	Action    func(ctx context.Context, e *Event) error
	Priority  int

	seq int
}

const historyCap = 256

// Bus is the priority rule dispatcher. Publish never blocks the producer;
// DispatchTick drains a snapshot of the queue, so events published by rule
// actions always land in the next tick. Delivery is at-least-once,
// best-effort ordered.
type Bus struct {
	mu      sync.Mutex
	queue   []*Event
	rules   []Rule
	nextSeq int

	history []*Event // ring of processed events, audit only

	published uint64
	processed uint64
	failures  uint64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// RegisterRule adds a rule to the registry. The registry is sorted once per
// registration so dispatch order is deterministic.
func (b *Bus) RegisterRule(rule Rule) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rule.seq = b.nextSeq
	b.nextSeq++
	b.rules = append(b.rules, rule)

	sort.SliceStable(b.rules, func(i, j int) bool {
		if b.rules[i].Priority != b.rules[j].Priority {
			return b.rules[i].Priority > b.rules[j].Priority
		}
		return b.rules[i].seq < b.rules[j].seq
	})

	logger.DebugGlobal().
		Str("rule", rule.Name).
		Str("event_type", string(rule.EventType)).
		Int("priority", rule.Priority).
		Msg("Rule registered")
}

// Publish enqueues an event and returns immediately.
func (b *Bus) Publish(e *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, e)
	b.published++
}

// DispatchTick drains the current queue snapshot and runs all matching rules
// for each event in strict priority order. A failing rule is logged and does
// not block later rules for the same event. Returns the number of events
// processed.
func (b *Bus) DispatchTick(ctx context.Context) int {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	rules := make([]Rule, len(b.rules))
	copy(rules, b.rules)
	b.mu.Unlock()

	for _, event := range batch {
		for i := range rules {
			rule := &rules[i]
			if rule.EventType != Wildcard && rule.EventType != event.Type {
				continue
			}
			if rule.Predicate != nil && !rule.Predicate(event) {
				continue
			}
			b.runRule(ctx, rule, event)
		}
		event.Processed = true

		b.mu.Lock()
		b.processed++
		b.history = append(b.history, event)
		if len(b.history) > historyCap {
			b.history = b.history[len(b.history)-historyCap:]
		}
		b.mu.Unlock()
	}

	return len(batch)
}

func (b *Bus) runRule(ctx context.Context, rule *Rule, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.failures++
			b.mu.Unlock()
			logger.Error(ctx).
				Str("rule", rule.Name).
				Str("event_id", event.ID).
				Str("event_type", string(event.Type)).
				Str("match_id", event.MatchID).
				Interface("panic", r).
				Msg("Rule panicked")
		}
	}()

	if err := rule.Action(ctx, event); err != nil {
		b.mu.Lock()
		b.failures++
		b.mu.Unlock()
		logger.Error(ctx).
			Err(err).
			Str("rule", rule.Name).
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Str("match_id", event.MatchID).
			Msg("Rule failed")
	}
}

// History returns up to limit most recently processed events, newest first.
func (b *Bus) History(limit int) []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.history[i])
	}
	return out
}

// Stats is a read-only snapshot of bus activity.
type Stats struct {
	Published  uint64 `json:"published"`
	Processed  uint64 `json:"processed"`
	Failures   uint64 `json:"failures"`
	QueueDepth int    `json:"queue_depth"`
	Rules      int    `json:"rules"`
}

// Snapshot returns current bus statistics without side effects.
func (b *Bus) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Published:  b.published,
		Processed:  b.processed,
		Failures:   b.failures,
		QueueDepth: len(b.queue),
		Rules:      len(b.rules),
	}
}

// String implements fmt.Stringer for debug logging.
func (s Stats) String() string {
	return fmt.Sprintf("published=%d processed=%d failures=%d queue=%d rules=%d",
		s.Published, s.Processed, s.Failures, s.QueueDepth, s.Rules)
}
