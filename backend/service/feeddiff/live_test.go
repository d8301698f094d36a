package feeddiff

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"bilibilidm/botd/backend/service/bilibili"
)

type fakeLiveClient struct {
	data *bilibili.LiveUsersData
	err  error
}

func (f *fakeLiveClient) LiveUsers(ctx context.Context) (*bilibili.LiveUsersData, error) {
	return f.data, f.err
}

func liveUser(mid int64, roomID int64, title string) bilibili.LiveUser {
	return bilibili.LiveUser{
		Mid:    mid,
		Uname:  "streamer",
		RoomID: roomID,
		Title:  title,
	}
}

func TestLiveStartAndEndEvents(t *testing.T) {
	client := &fakeLiveClient{data: &bilibili.LiveUsersData{}}
	bus := &testBus{}
	engine := NewLiveEngine(client, bus, t.TempDir(), 10001, 0, zap.NewNop())

	// Seed with nobody live.
	engine.Tick(context.Background())

	client.data = &bilibili.LiveUsersData{Items: []bilibili.LiveUser{
		liveUser(1, 101, "morning stream"),
	}}
	engine.Tick(context.Background())

	client.data = &bilibili.LiveUsersData{}
	engine.Tick(context.Background())

	if len(bus.events) != 2 {
		t.Fatalf("events = %+v", bus.events)
	}
	if bus.events[0].Type != "live.started" || bus.events[1].Type != "live.ended" {
		t.Fatalf("event types = %s, %s", bus.events[0].Type, bus.events[1].Type)
	}
}

func TestLiveTitleChangeIsUpdate(t *testing.T) {
	client := &fakeLiveClient{data: &bilibili.LiveUsersData{Items: []bilibili.LiveUser{
		liveUser(1, 101, "part one"),
	}}}
	bus := &testBus{}
	engine := NewLiveEngine(client, bus, t.TempDir(), 10001, 0, zap.NewNop())
	engine.Tick(context.Background())

	client.data = &bilibili.LiveUsersData{Items: []bilibili.LiveUser{
		liveUser(1, 101, "part two"),
	}}
	engine.Tick(context.Background())

	if len(bus.events) != 1 || bus.events[0].Type != "live.updated" {
		t.Fatalf("events = %+v", bus.events)
	}
}

func TestLiveRefusedFetchKeepsRoster(t *testing.T) {
	client := &fakeLiveClient{data: &bilibili.LiveUsersData{Items: []bilibili.LiveUser{
		liveUser(1, 101, "stream"),
	}}}
	bus := &testBus{}
	engine := NewLiveEngine(client, bus, t.TempDir(), 10001, 0, zap.NewNop())
	engine.Tick(context.Background())

	// A refused poll must not look like everyone stopped streaming.
	client.data = nil
	if engine.Tick(context.Background()) {
		t.Fatal("refused fetch must fail the tick")
	}
	if len(bus.events) != 0 {
		t.Fatalf("no events on a refused fetch, got %+v", bus.events)
	}
	if len(engine.Items()) != 1 {
		t.Fatalf("roster must be untouched, got %+v", engine.Items())
	}
}

func TestLiveFingerprint(t *testing.T) {
	a := liveUser(1, 101, "title")
	b := liveUser(1, 101, "title")
	if liveFingerprint(a) != liveFingerprint(b) {
		t.Fatal("identical roster entries must share a fingerprint")
	}
	b.Title = "changed"
	if liveFingerprint(a) == liveFingerprint(b) {
		t.Fatal("title change must change the fingerprint")
	}
}
