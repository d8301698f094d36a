package feeddiff

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"bilibilidm/botd/backend/metrics"
)

// Spec describes one feed to diff: how to fetch a snapshot, how to
// identify and fingerprint its items, and how item changes map to host
// events.
type Spec[T any] struct {
	// Kind names the feed in files, metrics and logs.
	Kind string
	// Fetch pulls the current snapshot. ok=false means the upstream
	// refused or misbehaved; the engine then keeps its state untouched.
	Fetch func(ctx context.Context, baseline string) (items []T, newBaseline string, ok bool, err error)
	// Identity keys an item across snapshots.
	Identity func(T) string
	// Fingerprint hashes the fields whose change is worth an event.
	Fingerprint func(T) string
	// OrderKey sorts pending events oldest-first before emission.
	OrderKey func(T) int64
	// EventType maps an item and a change ("new", "updated", "ended")
	// to the published event type.
	EventType func(item T, change string) string
	// Merge folds the fetched items into the cached ones for the next
	// snapshot. Nil means wholesale replacement.
	Merge func(cached, fetched []T) []T
	// EmitEnded turns items that vanished from the snapshot into
	// "ended" events.
	EmitEnded bool
}

type publisher interface {
	Publish(eventType string, payload any)
}

// snapshot is the persisted state of one feed between runs.
type snapshot[T any] struct {
	Items      []T       `json:"items"`
	Baseline   string    `json:"baseline,omitempty"`
	UpdateTime time.Time `json:"updateTime"`
}

// Engine diffs consecutive feed snapshots and publishes one event per
// changed item. The first snapshot after start only seeds the state:
// history that predates the daemon is not replayed.
type Engine[T any] struct {
	spec  Spec[T]
	bus   publisher
	log   *zap.Logger
	path  string
	pause time.Duration

	seeded   bool
	items    []T
	baseline string
}

// New builds an engine persisting its snapshot under dataDir, keyed by
// the feed kind and the bot identity.
func New[T any](spec Spec[T], bus publisher, dataDir string, selfUID int64, pause time.Duration, log *zap.Logger) *Engine[T] {
	return &Engine[T]{
		spec:  spec,
		bus:   bus,
		log:   log,
		path:  filepath.Join(dataDir, "feeds", fmt.Sprintf("%d.%s.json", selfUID, spec.Kind)),
		pause: pause,
	}
}

// Tick fetches one snapshot, emits the diff and persists the new state.
// It reports success for the failure governor.
func (e *Engine[T]) Tick(ctx context.Context) bool {
	fetched, newBaseline, ok, err := e.spec.Fetch(ctx, e.baseline)
	if err != nil {
		e.log.Error("feed returned malformed data", zap.String("feed", e.spec.Kind), zap.Error(err))
		metrics.PollTicks.WithLabelValues(e.spec.Kind, "failure").Inc()
		return false
	}
	if !ok {
		metrics.PollTicks.WithLabelValues(e.spec.Kind, "failure").Inc()
		return false
	}

	if !e.seeded {
		e.adopt(fetched, newBaseline)
		e.log.Info("feed snapshot seeded",
			zap.String("feed", e.spec.Kind), zap.Int("items", len(fetched)))
		metrics.PollTicks.WithLabelValues(e.spec.Kind, "success").Inc()
		return true
	}

	e.emitDiff(ctx, fetched)

	merged := fetched
	if e.spec.Merge != nil {
		merged = e.spec.Merge(e.items, fetched)
	}
	e.adopt(merged, newBaseline)
	metrics.PollTicks.WithLabelValues(e.spec.Kind, "success").Inc()
	return true
}

func (e *Engine[T]) emitDiff(ctx context.Context, fetched []T) {
	previous := make(map[string]string, len(e.items))
	for _, item := range e.items {
		previous[e.spec.Identity(item)] = e.spec.Fingerprint(item)
	}

	type pending struct {
		item   T
		change string
	}
	var changes []pending
	current := make(map[string]struct{}, len(fetched))
	for _, item := range fetched {
		id := e.spec.Identity(item)
		current[id] = struct{}{}
		old, known := previous[id]
		switch {
		case !known:
			changes = append(changes, pending{item, "new"})
		case old != e.spec.Fingerprint(item):
			changes = append(changes, pending{item, "updated"})
		}
	}
	if e.spec.EmitEnded {
		for _, item := range e.items {
			if _, still := current[e.spec.Identity(item)]; !still {
				changes = append(changes, pending{item, "ended"})
			}
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		return e.spec.OrderKey(changes[i].item) < e.spec.OrderKey(changes[j].item)
	})

	for i, change := range changes {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && e.pause > 0 {
			time.Sleep(e.pause)
		}
		e.bus.Publish(e.spec.EventType(change.item, change.change), change.item)
		metrics.FeedEvents.WithLabelValues(e.spec.Kind, change.change).Inc()
	}
}

// adopt replaces the in-memory state and persists it.
func (e *Engine[T]) adopt(items []T, baseline string) {
	e.items = items
	if baseline != "" {
		e.baseline = baseline
	}
	e.seeded = true
	if err := e.save(); err != nil {
		e.log.Warn("persist feed snapshot failed",
			zap.String("feed", e.spec.Kind), zap.Error(err))
	}
}

// Load restores the persisted snapshot so a restart does not replay the
// whole feed as new. A missing file is a fresh start, not an error.
func (e *Engine[T]) Load() error {
	raw, err := os.ReadFile(e.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var state snapshot[T]
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("decode feed snapshot %s: %w", e.path, err)
	}
	e.items = state.Items
	e.baseline = state.Baseline
	e.seeded = true
	return nil
}

func (e *Engine[T]) save() error {
	state := snapshot[T]{Items: e.items, Baseline: e.baseline, UpdateTime: time.Now().UTC()}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return err
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, e.path)
}

// Items exposes the current snapshot, mainly for the host status API.
func (e *Engine[T]) Items() []T {
	out := make([]T, len(e.items))
	copy(out, e.items)
	return out
}
