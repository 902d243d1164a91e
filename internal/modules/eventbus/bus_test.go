package eventbus_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankieli/carrom_arena/internal/modules/eventbus"
	"github.com/frankieli/carrom_arena/pkg/logger"
)

func init() {
	logger.Init(logger.Config{Level: "warn", Format: "console"})
}

func scoreEvent() *eventbus.Event {
	return eventbus.NewEvent(eventbus.EventScore, "m1", 42, map[string]interface{}{"delta": 1})
}

func TestDispatchPriorityOrder(t *testing.T) {
	// Registration order must not affect dispatch order, so shuffle it.
	for round := 0; round < 20; round++ {
		bus := eventbus.NewBus()

		var got []string
		record := func(name string) func(ctx context.Context, e *eventbus.Event) error {
			return func(ctx context.Context, e *eventbus.Event) error {
				got = append(got, name)
				return nil
			}
		}

		rules := []eventbus.Rule{
			{Name: "high", EventType: eventbus.EventScore, Priority: 100, Action: record("high")},
			{Name: "mid", EventType: eventbus.EventScore, Priority: 50, Action: record("mid")},
			{Name: "low", EventType: eventbus.EventScore, Priority: 10, Action: record("low")},
		}
		rand.Shuffle(len(rules), func(i, j int) { rules[i], rules[j] = rules[j], rules[i] })
		for _, r := range rules {
			bus.RegisterRule(r)
		}

		bus.Publish(scoreEvent())
		n := bus.DispatchTick(context.Background())

		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"high", "mid", "low"}, got)
	}
}

func TestDispatchTieBreaksByRegistrationOrder(t *testing.T) {
	bus := eventbus.NewBus()

	var got []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		bus.RegisterRule(eventbus.Rule{
			Name:      name,
			EventType: eventbus.EventScore,
			Priority:  50,
			Action: func(ctx context.Context, e *eventbus.Event) error {
				got = append(got, name)
				return nil
			},
		})
	}

	bus.Publish(scoreEvent())
	bus.DispatchTick(context.Background())

	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestDispatchSnapshotBoundary(t *testing.T) {
	bus := eventbus.NewBus()

	// The action publishes a follow-up event. It must not be processed in
	// the same tick that produced it.
	var seen []eventbus.EventType
	bus.RegisterRule(eventbus.Rule{
		Name:      "chain",
		EventType: eventbus.Wildcard,
		Priority:  10,
		Action: func(ctx context.Context, e *eventbus.Event) error {
			seen = append(seen, e.Type)
			if e.Type == eventbus.EventScore {
				bus.Publish(eventbus.NewEvent(eventbus.EventMatchEnd, e.MatchID, 0, nil))
			}
			return nil
		},
	})

	bus.Publish(scoreEvent())

	assert.Equal(t, 1, bus.DispatchTick(context.Background()))
	assert.Equal(t, []eventbus.EventType{eventbus.EventScore}, seen)

	assert.Equal(t, 1, bus.DispatchTick(context.Background()))
	assert.Equal(t, []eventbus.EventType{eventbus.EventScore, eventbus.EventMatchEnd}, seen)

	assert.Equal(t, 0, bus.DispatchTick(context.Background()))
}

func TestDispatchRuleFailureIsolation(t *testing.T) {
	bus := eventbus.NewBus()

	var ran []string
	bus.RegisterRule(eventbus.Rule{
		Name: "errs", EventType: eventbus.EventScore, Priority: 100,
		Action: func(ctx context.Context, e *eventbus.Event) error {
			ran = append(ran, "errs")
			return errors.New("boom")
		},
	})
	bus.RegisterRule(eventbus.Rule{
		Name: "panics", EventType: eventbus.EventScore, Priority: 50,
		Action: func(ctx context.Context, e *eventbus.Event) error {
			ran = append(ran, "panics")
			panic("boom")
		},
	})
	bus.RegisterRule(eventbus.Rule{
		Name: "survives", EventType: eventbus.EventScore, Priority: 10,
		Action: func(ctx context.Context, e *eventbus.Event) error {
			ran = append(ran, "survives")
			return nil
		},
	})

	bus.Publish(scoreEvent())
	n := bus.DispatchTick(context.Background())

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"errs", "panics", "survives"}, ran)

	stats := bus.Snapshot()
	assert.Equal(t, uint64(2), stats.Failures)
	assert.Equal(t, uint64(1), stats.Processed)
}

func TestDispatchPredicateFilters(t *testing.T) {
	bus := eventbus.NewBus()

	var hits int
	bus.RegisterRule(eventbus.Rule{
		Name:      "big-only",
		EventType: eventbus.EventScore,
		Priority:  10,
		Predicate: func(e *eventbus.Event) bool {
			delta, _ := e.Payload["delta"].(int)
			return delta >= 2
		},
		Action: func(ctx context.Context, e *eventbus.Event) error {
			hits++
			return nil
		},
	})

	bus.Publish(eventbus.NewEvent(eventbus.EventScore, "m1", 42, map[string]interface{}{"delta": 1}))
	bus.Publish(eventbus.NewEvent(eventbus.EventScore, "m1", 42, map[string]interface{}{"delta": 3}))
	bus.DispatchTick(context.Background())

	assert.Equal(t, 1, hits)
}

func TestDispatchTypeFilterAndWildcard(t *testing.T) {
	bus := eventbus.NewBus()

	var scores, all int
	bus.RegisterRule(eventbus.Rule{
		Name: "scores", EventType: eventbus.EventScore, Priority: 10,
		Action: func(ctx context.Context, e *eventbus.Event) error { scores++; return nil },
	})
	bus.RegisterRule(eventbus.Rule{
		Name: "audit", EventType: eventbus.Wildcard, Priority: 1,
		Action: func(ctx context.Context, e *eventbus.Event) error { all++; return nil },
	})

	bus.Publish(scoreEvent())
	bus.Publish(eventbus.NewEvent(eventbus.EventFoul, "m1", 42, nil))
	bus.DispatchTick(context.Background())

	assert.Equal(t, 1, scores)
	assert.Equal(t, 2, all)
}

func TestHistoryNewestFirst(t *testing.T) {
	bus := eventbus.NewBus()

	bus.Publish(eventbus.NewEvent(eventbus.EventMatchStart, "m1", 0, nil))
	bus.Publish(scoreEvent())
	bus.DispatchTick(context.Background())

	history := bus.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, eventbus.EventScore, history[0].Type)
	assert.Equal(t, eventbus.EventMatchStart, history[1].Type)
	assert.True(t, history[0].Processed)

	limited := bus.History(1)
	require.Len(t, limited, 1)
	assert.Equal(t, eventbus.EventScore, limited[0].Type)
}

func TestPublishConcurrentWithDispatch(t *testing.T) {
	bus := eventbus.NewBus()
	bus.RegisterRule(eventbus.Rule{
		Name: "noop", EventType: eventbus.Wildcard, Priority: 1,
		Action: func(ctx context.Context, e *eventbus.Event) error { return nil },
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(scoreEvent())
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	total := 0
	for {
		total += bus.DispatchTick(context.Background())
		select {
		case <-done:
			total += bus.DispatchTick(context.Background())
			assert.Equal(t, 400, total)
			stats := bus.Snapshot()
			assert.Equal(t, uint64(400), stats.Published)
			assert.Equal(t, uint64(400), stats.Processed)
			return
		default:
		}
	}
}
