package feeddiff

import (
	"context"
	"fmt"
	"os"
	"testing"

	"go.uber.org/zap"
)

type testItem struct {
	ID  string `json:"id"`
	Rev int    `json:"rev"`
	Ord int64  `json:"ord"`
}

type testBus struct {
	events []struct {
		Type    string
		Payload any
	}
}

func (b *testBus) Publish(eventType string, payload any) {
	b.events = append(b.events, struct {
		Type    string
		Payload any
	}{eventType, payload})
}

type fetchResult struct {
	items    []testItem
	baseline string
	ok       bool
	err      error
}

func newTestEngine(t *testing.T, bus *testBus, emitEnded bool, results *[]fetchResult) *Engine[testItem] {
	t.Helper()
	spec := Spec[testItem]{
		Kind: "test",
		Fetch: func(ctx context.Context, baseline string) ([]testItem, string, bool, error) {
			if len(*results) == 0 {
				t.Fatal("unexpected fetch")
			}
			next := (*results)[0]
			*results = (*results)[1:]
			return next.items, next.baseline, next.ok, next.err
		},
		Identity:    func(item testItem) string { return item.ID },
		Fingerprint: func(item testItem) string { return fmt.Sprintf("%s:%d", item.ID, item.Rev) },
		OrderKey:    func(item testItem) int64 { return item.Ord },
		EventType: func(item testItem, change string) string {
			return "test." + change
		},
		EmitEnded: emitEnded,
	}
	return New(spec, bus, t.TempDir(), 10001, 0, zap.NewNop())
}

func TestSeedSnapshotEmitsNothing(t *testing.T) {
	bus := &testBus{}
	results := []fetchResult{
		{items: []testItem{{ID: "a", Rev: 1, Ord: 1}, {ID: "b", Rev: 1, Ord: 2}}, ok: true},
	}
	engine := newTestEngine(t, bus, false, &results)

	if !engine.Tick(context.Background()) {
		t.Fatal("seed tick must succeed")
	}
	if len(bus.events) != 0 {
		t.Fatalf("seed must be silent, got %+v", bus.events)
	}
	if len(engine.Items()) != 2 {
		t.Fatalf("snapshot = %+v", engine.Items())
	}
}

func TestNewAndUpdatedEvents(t *testing.T) {
	bus := &testBus{}
	results := []fetchResult{
		{items: []testItem{{ID: "a", Rev: 1, Ord: 1}}, ok: true},
		{items: []testItem{
			{ID: "a", Rev: 2, Ord: 1},
			{ID: "b", Rev: 1, Ord: 2},
		}, ok: true},
	}
	engine := newTestEngine(t, bus, false, &results)

	engine.Tick(context.Background())
	engine.Tick(context.Background())

	if len(bus.events) != 2 {
		t.Fatalf("events = %+v", bus.events)
	}
	// Oldest order key first.
	if bus.events[0].Type != "test.updated" || bus.events[1].Type != "test.new" {
		t.Fatalf("event types = %s, %s", bus.events[0].Type, bus.events[1].Type)
	}
}

func TestEndedEvents(t *testing.T) {
	bus := &testBus{}
	results := []fetchResult{
		{items: []testItem{{ID: "a", Rev: 1, Ord: 1}, {ID: "b", Rev: 1, Ord: 2}}, ok: true},
		{items: []testItem{{ID: "b", Rev: 1, Ord: 2}}, ok: true},
	}
	engine := newTestEngine(t, bus, true, &results)

	engine.Tick(context.Background())
	engine.Tick(context.Background())

	if len(bus.events) != 1 || bus.events[0].Type != "test.ended" {
		t.Fatalf("events = %+v", bus.events)
	}
	if len(engine.Items()) != 1 {
		t.Fatalf("snapshot = %+v", engine.Items())
	}
}

func TestVanishedItemsIgnoredWithoutEmitEnded(t *testing.T) {
	bus := &testBus{}
	results := []fetchResult{
		{items: []testItem{{ID: "a", Rev: 1, Ord: 1}}, ok: true},
		{items: nil, ok: true},
	}
	engine := newTestEngine(t, bus, false, &results)

	engine.Tick(context.Background())
	engine.Tick(context.Background())

	if len(bus.events) != 0 {
		t.Fatalf("events = %+v", bus.events)
	}
}

func TestFailedFetchKeepsState(t *testing.T) {
	bus := &testBus{}
	results := []fetchResult{
		{items: []testItem{{ID: "a", Rev: 1, Ord: 1}}, ok: true},
		{ok: false},
		{items: []testItem{{ID: "a", Rev: 1, Ord: 1}, {ID: "b", Rev: 1, Ord: 2}}, ok: true},
	}
	engine := newTestEngine(t, bus, true, &results)

	engine.Tick(context.Background())
	if engine.Tick(context.Background()) {
		t.Fatal("refused fetch must fail the tick")
	}
	if len(bus.events) != 0 {
		t.Fatal("failed fetch must not emit")
	}
	// State untouched: the next good snapshot diffs against the seed.
	engine.Tick(context.Background())
	if len(bus.events) != 1 || bus.events[0].Type != "test.new" {
		t.Fatalf("events = %+v", bus.events)
	}
}

func TestMalformedFetchFailsTick(t *testing.T) {
	bus := &testBus{}
	results := []fetchResult{
		{err: fmt.Errorf("unexpected shape"), ok: false},
	}
	engine := newTestEngine(t, bus, false, &results)
	if engine.Tick(context.Background()) {
		t.Fatal("fetch error must fail the tick")
	}
}

func TestSnapshotPersistence(t *testing.T) {
	dir := t.TempDir()
	bus := &testBus{}
	spec := Spec[testItem]{
		Kind: "persist",
		Fetch: func(ctx context.Context, baseline string) ([]testItem, string, bool, error) {
			return []testItem{{ID: "a", Rev: 1, Ord: 1}}, "baseline-1", true, nil
		},
		Identity:    func(item testItem) string { return item.ID },
		Fingerprint: func(item testItem) string { return fmt.Sprintf("%d", item.Rev) },
		OrderKey:    func(item testItem) int64 { return item.Ord },
		EventType:   func(item testItem, change string) string { return "persist." + change },
	}
	engine := New(spec, bus, dir, 10001, 0, zap.NewNop())
	engine.Tick(context.Background())

	if _, err := os.Stat(engine.path); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	restored := New(spec, bus, dir, 10001, 0, zap.NewNop())
	if err := restored.Load(); err != nil {
		t.Fatal(err)
	}
	if !restored.seeded {
		t.Fatal("restored engine must be seeded")
	}
	if restored.baseline != "baseline-1" {
		t.Fatalf("baseline = %q", restored.baseline)
	}
	// A restart diffs against the restored snapshot instead of reseeding.
	restored.Tick(context.Background())
	if len(bus.events) != 0 {
		t.Fatalf("unchanged snapshot after restore must be silent, got %+v", bus.events)
	}
}

func TestLoadMissingSnapshot(t *testing.T) {
	bus := &testBus{}
	results := []fetchResult{}
	engine := newTestEngine(t, bus, false, &results)
	if err := engine.Load(); err != nil {
		t.Fatalf("missing snapshot must not error: %v", err)
	}
	if engine.seeded {
		t.Fatal("engine must stay unseeded")
	}
}
