package login

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"bilibilidm/botd/backend/service/bilibili"
	"bilibilidm/botd/backend/service/credential"
)

type State string

const (
	StateInit           State = "init"
	StateVerifyingCache State = "verifying_cache"
	StateNeedsQR        State = "needs_qr"
	StateAwaitingScan   State = "awaiting_scan"
	StateAuthenticated  State = "authenticated"
	StateExpired        State = "expired"
	StateTimedOut       State = "timed_out"
	StateFailed         State = "failed"
)

// Terminal reports whether the login attempt has finished, one way or
// the other. Restarting from a terminal state is an explicit caller
// action.
func (s State) Terminal() bool {
	switch s {
	case StateAuthenticated, StateExpired, StateTimedOut, StateFailed:
		return true
	}
	return false
}

type Status struct {
	State       State     `json:"state"`
	Mid         int64     `json:"mid,omitempty"`
	Nickname    string    `json:"nickname,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	QRCodeURL   string    `json:"qrCodeUrl,omitempty"`
	QRCodeImage string    `json:"qrCodeImage,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Client is the slice of the protocol client the login machine needs.
type Client interface {
	GenerateQR(ctx context.Context) (*bilibili.QRCode, error)
	PollQR(ctx context.Context, qrKey string) (*bilibili.QRPoll, error)
	MyInfo(ctx context.Context) (*bilibili.UserInfo, error)
}

type publisher interface {
	Publish(eventType string, payload any)
}

// Service walks Init -> VerifyingCache -> {Authenticated | NeedsQR} ->
// AwaitingScan -> {Authenticated | Expired | TimedOut}.
type Service struct {
	client Client
	creds  *credential.Store
	bus    publisher
	log    *zap.Logger

	pollInterval time.Duration
	maxAttempts  int

	mu      sync.RWMutex
	running bool
	status  Status
}

func New(client Client, creds *credential.Store, bus publisher, log *zap.Logger) *Service {
	return &Service{
		client:       client,
		creds:        creds,
		bus:          bus,
		log:          log,
		pollInterval: 2 * time.Second,
		maxAttempts:  60,
		status:       Status{State: StateInit, UpdatedAt: time.Now()},
	}
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Service) setStatus(update Status) {
	update.UpdatedAt = time.Now()
	s.mu.Lock()
	s.status = update
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish("login.state", update)
	}
}

// Login runs the state machine to a terminal state. It blocks for up
// to pollInterval*maxAttempts while waiting for the scan; callers that
// need the QR early should watch Status or the event stream.
func (s *Service) Login(ctx context.Context) (Status, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return s.Status(), errors.New("login already in progress")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.setStatus(Status{State: StateVerifyingCache})
	if err := s.creds.Load(); err != nil {
		s.log.Warn("load cached credentials failed", zap.Error(err))
	}
	if s.creds.HasCookies() {
		if user, err := s.probe(ctx); err != nil {
			s.setStatus(Status{State: StateFailed, Reason: err.Error()})
			return s.Status(), err
		} else if user != nil {
			return s.Status(), nil
		}
		s.log.Info("cached credentials rejected, falling back to QR login")
	}

	return s.qrLogin(ctx)
}

// probe validates the current cookies against the identity endpoint
// and promotes the machine to Authenticated on success.
func (s *Service) probe(ctx context.Context) (*bilibili.UserInfo, error) {
	user, err := s.client.MyInfo(ctx)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}
	s.creds.MarkVerified(true)
	s.log.Info("session verified", zap.Int64("mid", user.Mid), zap.String("uname", user.Uname))
	s.setStatus(Status{
		State:    StateAuthenticated,
		Mid:      user.Mid,
		Nickname: user.Uname,
		Avatar:   user.Face,
	})
	return user, nil
}

func (s *Service) qrLogin(ctx context.Context) (Status, error) {
	s.setStatus(Status{State: StateNeedsQR})

	qr, err := s.client.GenerateQR(ctx)
	if err != nil {
		s.setStatus(Status{State: StateFailed, Reason: "generate qr: " + err.Error()})
		return s.Status(), err
	}
	if qr == nil {
		err := errors.New("qr generation refused")
		s.setStatus(Status{State: StateFailed, Reason: err.Error()})
		return s.Status(), err
	}

	image := ""
	if png, encodeErr := qrcode.Encode(qr.URL, qrcode.Medium, 280); encodeErr == nil {
		image = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	} else {
		s.log.Warn("render qr png failed", zap.Error(encodeErr))
	}
	s.setStatus(Status{State: StateAwaitingScan, QRCodeURL: qr.URL, QRCodeImage: image})

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := sleepWithContext(ctx, s.pollInterval); err != nil {
			s.setStatus(Status{State: StateFailed, Reason: "login cancelled"})
			return s.Status(), err
		}
		poll, err := s.client.PollQR(ctx, qr.Key)
		if err != nil {
			s.log.Warn("qr poll failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if poll == nil {
			continue
		}
		switch poll.Code {
		case bilibili.QRPollConfirmed:
			return s.completeLogin(ctx, poll)
		case bilibili.QRPollScanned:
			s.log.Info("qr scanned, waiting for confirmation")
		case bilibili.QRPollWaiting:
			// not scanned yet
		case bilibili.QRPollExpired:
			reason := "qr code expired before it was scanned"
			s.setStatus(Status{State: StateExpired, Reason: reason})
			return s.Status(), errors.New(reason)
		default:
			s.log.Warn("unexpected qr poll state",
				zap.Int("code", poll.Code), zap.String("message", poll.Message))
		}
	}

	reason := fmt.Sprintf("qr scan not confirmed within %s",
		time.Duration(s.maxAttempts)*s.pollInterval)
	s.setStatus(Status{State: StateTimedOut, Reason: reason})
	return s.Status(), errors.New(reason)
}

// completeLogin harvests credentials from the confirmation redirect
// URL (and any Set-Cookie headers), persists them and re-probes the
// identity for the nickname.
func (s *Service) completeLogin(ctx context.Context, poll *bilibili.QRPoll) (Status, error) {
	cookies := extractURLCookies(poll.URL)
	if len(cookies) > 0 {
		s.creds.Set(cookies)
	}
	if len(poll.Cookies) > 0 {
		s.creds.SetFromResponse(poll.Cookies)
	}
	if !s.creds.HasCookies() {
		err := errors.New("login confirmed but no session cookie was delivered")
		s.setStatus(Status{State: StateFailed, Reason: err.Error()})
		return s.Status(), err
	}
	if err := s.creds.Save(); err != nil {
		s.log.Error("persist credentials failed", zap.Error(err))
	}

	user, err := s.probe(ctx)
	if err != nil {
		s.setStatus(Status{State: StateFailed, Reason: err.Error()})
		return s.Status(), err
	}
	if user == nil {
		err := errors.New("fresh credentials failed the identity probe")
		s.setStatus(Status{State: StateFailed, Reason: err.Error()})
		return s.Status(), err
	}
	return s.Status(), nil
}

// Logout clears the persisted credentials and resets the machine.
func (s *Service) Logout() error {
	err := s.creds.Clear()
	s.setStatus(Status{State: StateInit})
	return err
}

// extractURLCookies pulls the session cookies out of the confirmation
// redirect URL query.
func extractURLCookies(rawURL string) map[string]string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	cookies := map[string]string{}
	for _, name := range []string{
		credential.CookieSession,
		credential.CookieCSRF,
		credential.CookieUID,
		"DedeUserID__ckMd5",
		"Expires",
	} {
		if value := parsed.Query().Get(name); value != "" {
			cookies[name] = value
		}
	}
	return cookies
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
