package adapter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bilibilidm/botd/backend/config"
	"bilibilidm/botd/backend/metrics"
	"bilibilidm/botd/backend/service/bilibili"
	"bilibilidm/botd/backend/service/credential"
	"bilibilidm/botd/backend/service/eventbus"
	"bilibilidm/botd/backend/service/feeddiff"
	"bilibilidm/botd/backend/service/governor"
	"bilibilidm/botd/backend/service/login"
	"bilibilidm/botd/backend/service/msgsync"
)

// Element is one piece of an outbound message. Text and image elements
// are sent as separate private messages in order.
type Element struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	ImageBase64 string `json:"imageBase64,omitempty"`
}

// Status is the adapter health snapshot for the host API.
type Status struct {
	Running         bool         `json:"running"`
	Login           login.Status `json:"login"`
	MessageFailures int          `json:"messageFailures"`
	DynamicFailures int          `json:"dynamicFailures"`
	LiveFailures    int          `json:"liveFailures"`
	MessageInterval string       `json:"messageInterval"`
	DynamicInterval string       `json:"dynamicInterval"`
	LiveInterval    string       `json:"liveInterval"`
}

type feedTicker interface {
	Tick(ctx context.Context) bool
}

// Adapter wires the login machine, the message poller and the two feed
// engines into one lifecycle. Start blocks until the session is
// authenticated, then the loops run until Stop or until a governor
// gives up.
type Adapter struct {
	cfg    config.Config
	log    *zap.Logger
	client *bilibili.Client
	creds  *credential.Store
	login  *login.Service
	bus    *eventbus.Bus

	msgGov  *governor.Governor
	dynGov  *governor.Governor
	liveGov *governor.Governor

	poller   *msgsync.Poller
	dynamics *feeddiff.Engine[bilibili.DynamicItem]
	live     *feeddiff.Engine[bilibili.LiveUser]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg config.Config, client *bilibili.Client, creds *credential.Store, loginSvc *login.Service, bus *eventbus.Bus, log *zap.Logger) *Adapter {
	a := &Adapter{
		cfg:    cfg,
		log:    log,
		client: client,
		creds:  creds,
		login:  loginSvc,
		bus:    bus,
	}

	a.msgGov = a.newGovernor("messages", cfg.MessagePollInterval.Std())
	a.dynGov = a.newGovernor("dynamics", cfg.DynamicPollInterval.Std())
	a.liveGov = a.newGovernor("live", cfg.LivePollInterval.Std())

	a.poller = msgsync.New(client, a.msgGov, bus, msgsync.Options{
		SelfUID:               cfg.SelfUID,
		BlockedUIDs:           cfg.BlockedUIDs,
		IgnoreOfflineMessages: cfg.IgnoreOfflineMessages,
		SeenCacheSize:         cfg.SeenCacheSize,
	}, log)
	a.dynamics = feeddiff.NewDynamicsEngine(client, bus, cfg.DataDir, cfg.SelfUID, cfg.FeedEventPause.Std(), log)
	a.live = feeddiff.NewLiveEngine(client, bus, cfg.DataDir, cfg.SelfUID, cfg.FeedEventPause.Std(), log)
	return a
}

func (a *Adapter) newGovernor(name string, baseline time.Duration) *governor.Governor {
	notify := func(remaining int) {
		a.bus.Publish("adapter.shutdown.countdown", map[string]any{
			"poller":    name,
			"remaining": remaining,
		})
	}
	teardown := func() {
		a.log.Error("governor initiated teardown", zap.String("poller", name))
		a.Stop()
		a.bus.Publish("adapter.stopped", map[string]string{"reason": "poll failures", "poller": name})
	}
	return governor.New(name, baseline, a.cfg.SoftFailureThreshold, a.cfg.HardFailureThreshold, a.log, notify, teardown)
}

// Start authenticates and launches the poll loops. It fails when the
// login handshake ends in anything but an authenticated session. A
// Stop issued during the handshake cancels it and Start returns
// without arming any loop.
func (a *Adapter) Start(ctx context.Context) error {
	loginCtx, loginCancel := context.WithCancel(ctx)
	defer loginCancel()

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("adapter already running")
	}
	a.running = true
	a.cancel = loginCancel
	a.mu.Unlock()

	status, err := a.login.Login(loginCtx)
	if err != nil {
		a.markStopped()
		return fmt.Errorf("login: %w", err)
	}
	if status.State != login.StateAuthenticated {
		a.markStopped()
		return fmt.Errorf("login ended in state %s", status.State)
	}

	if err := a.dynamics.Load(); err != nil {
		a.log.Warn("restore dynamics snapshot failed", zap.Error(err))
	}
	if err := a.live.Load(); err != nil {
		a.log.Warn("restore live snapshot failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	if !a.running {
		// Stop arrived while the handshake was in flight.
		a.mu.Unlock()
		cancel()
		a.log.Info("start aborted, adapter was stopped during login")
		return errors.New("adapter stopped during login")
	}
	a.cancel = cancel
	a.mu.Unlock()

	a.poller.Start()
	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.poller.Run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.runFeed(runCtx, "dynamics", a.dynamics, a.dynGov)
	}()
	go func() {
		defer a.wg.Done()
		a.runFeed(runCtx, "live", a.live, a.liveGov)
	}()

	a.bus.Publish("adapter.started", map[string]any{
		"mid":      status.Mid,
		"nickname": status.Nickname,
	})
	a.log.Info("adapter started",
		zap.Int64("mid", status.Mid), zap.String("nickname", status.Nickname))
	return nil
}

func (a *Adapter) runFeed(ctx context.Context, name string, engine feedTicker, gov *governor.Governor) {
	interval := gov.Baseline()
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if engine.Tick(ctx) {
			interval = gov.Success()
		} else {
			var shutdown bool
			interval, shutdown = gov.Failure()
			if shutdown {
				return
			}
		}
		timer.Reset(interval)
	}
}

// Stop halts the loops. Safe to call more than once and from governor
// goroutines.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	a.poller.Stop()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.log.Info("adapter stopped")
}

func (a *Adapter) markStopped() {
	a.mu.Lock()
	a.running = false
	a.cancel = nil
	a.mu.Unlock()
}

func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Adapter) Status() Status {
	return Status{
		Running:         a.Running(),
		Login:           a.login.Status(),
		MessageFailures: a.msgGov.Failures(),
		DynamicFailures: a.dynGov.Failures(),
		LiveFailures:    a.liveGov.Failures(),
		MessageInterval: a.msgGov.Baseline().String(),
		DynamicInterval: a.dynGov.Baseline().String(),
		LiveInterval:    a.liveGov.Baseline().String(),
	}
}

// SetMessageInterval adjusts the message poll baseline at runtime.
func (a *Adapter) SetMessageInterval(interval time.Duration) error {
	if interval < 500*time.Millisecond {
		return errors.New("interval below 500ms")
	}
	a.msgGov.SetBaseline(interval)
	a.log.Info("message poll interval changed", zap.Duration("interval", interval))
	return nil
}

// SendMessage delivers the elements to one receiver, each element as
// its own private message, and returns the upstream msg_key of every
// delivered element.
func (a *Adapter) SendMessage(ctx context.Context, receiverID int64, elements []Element) ([]uint64, error) {
	if receiverID <= 0 {
		return nil, errors.New("invalid receiver id")
	}
	if len(elements) == 0 {
		return nil, errors.New("empty message")
	}

	var keys []uint64
	for i, element := range elements {
		var (
			sent *bilibili.SendMessageData
			err  error
		)
		switch strings.ToLower(strings.TrimSpace(element.Type)) {
		case "text", "":
			if strings.TrimSpace(element.Text) == "" {
				return keys, fmt.Errorf("element %d: empty text", i)
			}
			sent, err = a.client.SendText(ctx, receiverID, element.Text)
			if sent != nil {
				metrics.MessagesSent.WithLabelValues("text").Inc()
			}
		case "image":
			var raw []byte
			raw, err = decodeImagePayload(element.ImageBase64)
			if err != nil {
				return keys, fmt.Errorf("element %d: %w", i, err)
			}
			sent, err = a.client.SendImage(ctx, receiverID, element.FileName, raw)
			if sent != nil {
				metrics.MessagesSent.WithLabelValues("image").Inc()
			}
		default:
			return keys, fmt.Errorf("element %d: unsupported type %q", i, element.Type)
		}
		if err != nil {
			return keys, fmt.Errorf("element %d: %w", i, err)
		}
		if sent == nil {
			return keys, fmt.Errorf("element %d: send refused upstream", i)
		}
		keys = append(keys, sent.MsgKey)
	}
	return keys, nil
}

// RecallMessage retracts one previously sent message.
func (a *Adapter) RecallMessage(ctx context.Context, receiverID int64, msgKey uint64) error {
	if msgKey == 0 {
		return errors.New("invalid msg_key")
	}
	sent, err := a.client.RecallMessage(ctx, receiverID, msgKey)
	if err != nil {
		return err
	}
	if sent == nil {
		return errors.New("recall refused upstream")
	}
	return nil
}

// decodeImagePayload accepts raw base64 or a data URL.
func decodeImagePayload(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, errors.New("empty image payload")
	}
	if idx := strings.Index(payload, ";base64,"); idx >= 0 {
		payload = payload[idx+len(";base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	return raw, nil
}

// Creds exposes the credential store for the status surface.
func (a *Adapter) Creds() *credential.Store {
	return a.creds
}
