package msgsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bilibilidm/botd/backend/metrics"
	"bilibilidm/botd/backend/service/bilibili"
)

const sessionPageSize = 20

// Client is the slice of the protocol client the poller needs.
type Client interface {
	NewSessions(ctx context.Context, beginTs int64) (*bilibili.NewSessionsData, error)
	FetchSessionMessages(ctx context.Context, talkerID int64, sessionType int, beginSeqno int64, size int) (*bilibili.SessionMessagesData, error)
	UpdateAck(ctx context.Context, talkerID int64, sessionType int, ackSeqno int64) error
}

// Governor arbitrates the interval after each tick.
type Governor interface {
	Success() time.Duration
	Failure() (time.Duration, bool)
	Baseline() time.Duration
}

type publisher interface {
	Publish(eventType string, payload any)
}

// InboundMessage is the dispatch payload for one private message.
type InboundMessage struct {
	TalkerID    int64  `json:"talkerId"`
	SessionType int    `json:"sessionType"`
	SenderUID   int64  `json:"senderUid"`
	MsgType     int    `json:"msgType"`
	Content     string `json:"content"`
	MsgSeqno    int64  `json:"msgSeqno"`
	MsgKey      uint64 `json:"msgKey"`
	Timestamp   int64  `json:"timestamp"`
}

// Poller drives the session cursor loop: list sessions with activity
// since the millisecond cursor, page unread messages per session
// oldest-first, dedup, dispatch, then acknowledge. The cursor only
// advances after a fully processed tick, so a failed poll is retried
// over the same window and redelivery is absorbed by the seen cache.
type Poller struct {
	client   Client
	governor Governor
	bus      publisher
	log      *zap.Logger

	selfUID       int64
	blocked       map[int64]struct{}
	ignoreOffline bool
	seen          *SeenMessageCache
	now           func() time.Time

	mu        sync.Mutex
	active    bool
	cursor    int64 // ms
	startedAt int64 // ms
}

type Options struct {
	SelfUID               int64
	BlockedUIDs           []int64
	IgnoreOfflineMessages bool
	SeenCacheSize         int
}

func New(client Client, gov Governor, bus publisher, opts Options, log *zap.Logger) *Poller {
	blocked := make(map[int64]struct{}, len(opts.BlockedUIDs))
	for _, uid := range opts.BlockedUIDs {
		blocked[uid] = struct{}{}
	}
	return &Poller{
		client:        client,
		governor:      gov,
		bus:           bus,
		log:           log,
		selfUID:       opts.SelfUID,
		blocked:       blocked,
		ignoreOffline: opts.IgnoreOfflineMessages,
		seen:          NewSeenMessageCache(opts.SeenCacheSize),
		now:           time.Now,
	}
}

// Start arms the poller. The cursor starts at "now": messages that
// arrived while the daemon was down are not replayed.
func (p *Poller) Start() {
	nowMs := p.now().UnixMilli()
	p.mu.Lock()
	p.active = true
	p.cursor = nowMs
	p.startedAt = nowMs
	p.mu.Unlock()
}

func (p *Poller) Stop() {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
}

func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Poller) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Poller) setCursor(ms int64) {
	p.mu.Lock()
	p.cursor = ms
	p.mu.Unlock()
}

// Run loops until the context is cancelled or the governor starts
// teardown. The interval for each next tick comes from the governor.
func (p *Poller) Run(ctx context.Context) {
	interval := p.governor.Baseline()
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !p.Active() {
			return
		}
		if p.Tick(ctx) {
			interval = p.governor.Success()
		} else {
			var shutdown bool
			interval, shutdown = p.governor.Failure()
			if shutdown {
				return
			}
		}
		timer.Reset(interval)
	}
}

// Tick runs one poll cycle and reports whether it succeeded.
func (p *Poller) Tick(ctx context.Context) bool {
	if !p.Active() {
		return true
	}
	cursor := p.Cursor()
	tickStart := p.now().UnixMilli()

	sessions, err := p.client.NewSessions(ctx, cursor)
	if err != nil {
		p.log.Error("session listing returned malformed data", zap.Error(err))
		metrics.PollTicks.WithLabelValues("messages", "failure").Inc()
		return false
	}
	if sessions == nil {
		metrics.PollTicks.WithLabelValues("messages", "failure").Inc()
		return false
	}

	for _, session := range sessions.SessionList {
		if ctx.Err() != nil || !p.Active() {
			return true
		}
		if session.UnreadCount <= 0 {
			continue
		}
		p.processSession(ctx, session)
	}

	p.setCursor(tickStart)
	metrics.PollTicks.WithLabelValues("messages", "success").Inc()
	return true
}

func (p *Poller) processSession(ctx context.Context, session bilibili.SessionInfo) {
	page, err := p.client.FetchSessionMessages(ctx, session.TalkerID, session.SessionType, session.AckSeqno, sessionPageSize)
	if err != nil {
		p.log.Error("session page returned malformed data",
			zap.Int64("talkerId", session.TalkerID), zap.Error(err))
		return
	}
	if page == nil {
		return
	}

	// Pages arrive newest-first; dispatch oldest-first.
	for i := len(page.Messages) - 1; i >= 0; i-- {
		message := page.Messages[i]
		if message.SenderUID == p.selfUID {
			continue
		}
		if _, isBlocked := p.blocked[message.SenderUID]; isBlocked {
			continue
		}
		if p.ignoreOffline && message.Timestamp*1000 < p.startedAtMs() {
			continue
		}
		if !p.seen.Add(message.MsgKey) {
			metrics.MessagesDeduplicated.Inc()
			continue
		}
		p.dispatch(session, message)
	}

	if session.MaxSeqno > 0 {
		// Best effort: a failed ack only means the page is refetched
		// next tick, and the seen cache filters the duplicates.
		if err := p.client.UpdateAck(ctx, session.TalkerID, session.SessionType, session.MaxSeqno); err != nil {
			p.log.Warn("update_ack failed",
				zap.Int64("talkerId", session.TalkerID),
				zap.Int64("ackSeqno", session.MaxSeqno),
				zap.Error(err))
		}
	}
}

func (p *Poller) dispatch(session bilibili.SessionInfo, message bilibili.PrivateMessage) {
	payload := InboundMessage{
		TalkerID:    session.TalkerID,
		SessionType: session.SessionType,
		SenderUID:   message.SenderUID,
		MsgType:     message.MsgType,
		Content:     message.Content,
		MsgSeqno:    message.MsgSeqno,
		MsgKey:      message.MsgKey,
		Timestamp:   message.Timestamp,
	}
	if message.Withdrawn() {
		p.bus.Publish("message.withdrawn", payload)
	} else {
		p.bus.Publish("message.received", payload)
	}
	metrics.MessagesDispatched.Inc()
}

func (p *Poller) startedAtMs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}
