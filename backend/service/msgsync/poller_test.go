package msgsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"bilibilidm/botd/backend/service/bilibili"
)

type fakeClient struct {
	sessions    *bilibili.NewSessionsData
	sessionsErr error
	pages       map[int64]*bilibili.SessionMessagesData
	pagesErr    error

	sessionCalls []int64
	ackCalls     []int64
}

func (f *fakeClient) NewSessions(ctx context.Context, beginTs int64) (*bilibili.NewSessionsData, error) {
	f.sessionCalls = append(f.sessionCalls, beginTs)
	return f.sessions, f.sessionsErr
}

func (f *fakeClient) FetchSessionMessages(ctx context.Context, talkerID int64, sessionType int, beginSeqno int64, size int) (*bilibili.SessionMessagesData, error) {
	if f.pagesErr != nil {
		return nil, f.pagesErr
	}
	return f.pages[talkerID], nil
}

func (f *fakeClient) UpdateAck(ctx context.Context, talkerID int64, sessionType int, ackSeqno int64) error {
	f.ackCalls = append(f.ackCalls, ackSeqno)
	return nil
}

type fakeBus struct {
	events []struct {
		Type    string
		Payload any
	}
}

func (f *fakeBus) Publish(eventType string, payload any) {
	f.events = append(f.events, struct {
		Type    string
		Payload any
	}{eventType, payload})
}

func newTestPoller(client Client, bus *fakeBus) *Poller {
	return New(client, nil, bus, Options{
		SelfUID:       10001,
		BlockedUIDs:   []int64{666},
		SeenCacheSize: 100,
	}, zap.NewNop())
}

func session(talkerID int64, unread int, ackSeqno int64, maxSeqno int64) bilibili.SessionInfo {
	return bilibili.SessionInfo{
		TalkerID:    talkerID,
		SessionType: 1,
		AckSeqno:    ackSeqno,
		UnreadCount: unread,
		MaxSeqno:    maxSeqno,
	}
}

func message(sender int64, seqno int64, key uint64, content string) bilibili.PrivateMessage {
	return bilibili.PrivateMessage{
		SenderUID: sender,
		MsgType:   bilibili.MsgTypeText,
		Content:   content,
		MsgSeqno:  seqno,
		MsgKey:    key,
		Timestamp: time.Now().Unix(),
	}
}

func TestTickDispatchesOldestFirst(t *testing.T) {
	client := &fakeClient{
		sessions: &bilibili.NewSessionsData{SessionList: []bilibili.SessionInfo{
			session(42, 2, 5, 7),
		}},
		pages: map[int64]*bilibili.SessionMessagesData{
			42: {Messages: []bilibili.PrivateMessage{
				message(42, 7, 107, "second"),
				message(42, 6, 106, "first"),
			}},
		},
	}
	bus := &fakeBus{}
	poller := newTestPoller(client, bus)
	poller.Start()

	if !poller.Tick(context.Background()) {
		t.Fatal("tick must succeed")
	}
	if len(bus.events) != 2 {
		t.Fatalf("events = %d, want 2", len(bus.events))
	}
	first := bus.events[0].Payload.(InboundMessage)
	second := bus.events[1].Payload.(InboundMessage)
	if first.Content != "first" || second.Content != "second" {
		t.Fatalf("dispatch order: %q then %q", first.Content, second.Content)
	}
	if len(client.ackCalls) != 1 || client.ackCalls[0] != 7 {
		t.Fatalf("ack calls = %v, want [7]", client.ackCalls)
	}
}

func TestTickAdvancesCursorOnSuccess(t *testing.T) {
	client := &fakeClient{sessions: &bilibili.NewSessionsData{}}
	poller := newTestPoller(client, &fakeBus{})

	now := time.Unix(1700000000, 0)
	poller.now = func() time.Time { return now }
	poller.Start()

	now = now.Add(3 * time.Second)
	if !poller.Tick(context.Background()) {
		t.Fatal("tick must succeed")
	}
	if got := poller.Cursor(); got != now.UnixMilli() {
		t.Fatalf("cursor = %d, want %d", got, now.UnixMilli())
	}
}

func TestTickKeepsCursorOnFailure(t *testing.T) {
	client := &fakeClient{sessions: nil}
	poller := newTestPoller(client, &fakeBus{})
	poller.Start()
	before := poller.Cursor()

	if poller.Tick(context.Background()) {
		t.Fatal("nil session list must be a failed tick")
	}
	if poller.Cursor() != before {
		t.Fatal("cursor must not move on failure")
	}
}

func TestTickFailsOnMalformedResponse(t *testing.T) {
	client := &fakeClient{sessionsErr: errors.New("unexpected payload shape")}
	poller := newTestPoller(client, &fakeBus{})
	poller.Start()

	if poller.Tick(context.Background()) {
		t.Fatal("malformed session listing must fail the tick")
	}
}

func TestTickSkipsOwnAndBlockedSenders(t *testing.T) {
	client := &fakeClient{
		sessions: &bilibili.NewSessionsData{SessionList: []bilibili.SessionInfo{
			session(42, 3, 0, 3),
		}},
		pages: map[int64]*bilibili.SessionMessagesData{
			42: {Messages: []bilibili.PrivateMessage{
				message(42, 3, 103, "keep"),
				message(666, 2, 102, "blocked"),
				message(10001, 1, 101, "own echo"),
			}},
		},
	}
	bus := &fakeBus{}
	poller := newTestPoller(client, bus)
	poller.Start()
	poller.Tick(context.Background())

	if len(bus.events) != 1 {
		t.Fatalf("events = %d, want 1", len(bus.events))
	}
	if got := bus.events[0].Payload.(InboundMessage).SenderUID; got != 42 {
		t.Fatalf("dispatched sender = %d", got)
	}
}

func TestTickDeduplicatesAcrossTicks(t *testing.T) {
	client := &fakeClient{
		sessions: &bilibili.NewSessionsData{SessionList: []bilibili.SessionInfo{
			session(42, 1, 0, 1),
		}},
		pages: map[int64]*bilibili.SessionMessagesData{
			42: {Messages: []bilibili.PrivateMessage{
				message(42, 1, 101, "hello"),
			}},
		},
	}
	bus := &fakeBus{}
	poller := newTestPoller(client, bus)
	poller.Start()

	poller.Tick(context.Background())
	poller.Tick(context.Background())

	if len(bus.events) != 1 {
		t.Fatalf("events = %d, want 1 (redelivery deduplicated)", len(bus.events))
	}
}

func TestTickSkipsSessionsWithoutUnread(t *testing.T) {
	client := &fakeClient{
		sessions: &bilibili.NewSessionsData{SessionList: []bilibili.SessionInfo{
			session(42, 0, 5, 5),
		}},
	}
	bus := &fakeBus{}
	poller := newTestPoller(client, bus)
	poller.Start()
	poller.Tick(context.Background())

	if len(bus.events) != 0 {
		t.Fatalf("events = %d, want 0", len(bus.events))
	}
	if len(client.ackCalls) != 0 {
		t.Fatalf("ack calls = %v, want none", client.ackCalls)
	}
}

func TestTickDispatchesWithdrawn(t *testing.T) {
	withdrawn := message(42, 1, 101, "gone")
	withdrawn.MsgType = bilibili.MsgTypeRecall
	client := &fakeClient{
		sessions: &bilibili.NewSessionsData{SessionList: []bilibili.SessionInfo{
			session(42, 1, 0, 1),
		}},
		pages: map[int64]*bilibili.SessionMessagesData{
			42: {Messages: []bilibili.PrivateMessage{withdrawn}},
		},
	}
	bus := &fakeBus{}
	poller := newTestPoller(client, bus)
	poller.Start()
	poller.Tick(context.Background())

	if len(bus.events) != 1 || bus.events[0].Type != "message.withdrawn" {
		t.Fatalf("events = %+v", bus.events)
	}
}

func TestTickIgnoresOfflineBacklog(t *testing.T) {
	old := message(42, 1, 101, "sent while daemon was down")
	old.Timestamp = time.Now().Add(-time.Hour).Unix()
	client := &fakeClient{
		sessions: &bilibili.NewSessionsData{SessionList: []bilibili.SessionInfo{
			session(42, 1, 0, 1),
		}},
		pages: map[int64]*bilibili.SessionMessagesData{
			42: {Messages: []bilibili.PrivateMessage{old}},
		},
	}
	bus := &fakeBus{}
	poller := New(client, nil, bus, Options{
		SelfUID:               10001,
		IgnoreOfflineMessages: true,
		SeenCacheSize:         100,
	}, zap.NewNop())
	poller.Start()
	poller.Tick(context.Background())

	if len(bus.events) != 0 {
		t.Fatalf("offline backlog must be skipped, got %+v", bus.events)
	}
}

func TestInactivePollerTickIsNoop(t *testing.T) {
	client := &fakeClient{}
	poller := newTestPoller(client, &fakeBus{})

	if !poller.Tick(context.Background()) {
		t.Fatal("inactive tick reports success")
	}
	if len(client.sessionCalls) != 0 {
		t.Fatal("inactive poller must not poll")
	}
}

func TestPageFailureDoesNotFailTick(t *testing.T) {
	client := &fakeClient{
		sessions: &bilibili.NewSessionsData{SessionList: []bilibili.SessionInfo{
			session(42, 1, 0, 1),
		}},
		pagesErr: errors.New("malformed page"),
	}
	poller := newTestPoller(client, &fakeBus{})
	poller.Start()

	if !poller.Tick(context.Background()) {
		t.Fatal("a single session page failure must not fail the tick")
	}
}
