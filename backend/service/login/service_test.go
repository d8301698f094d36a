package login

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"bilibilidm/botd/backend/service/bilibili"
	"bilibilidm/botd/backend/service/credential"
)

type fakeLoginClient struct {
	qr       *bilibili.QRCode
	qrErr    error
	polls    []*bilibili.QRPoll
	pollIdx  int
	myInfoFn func(creds *credential.Store) *bilibili.UserInfo

	creds       *credential.Store
	qrGenerated int
}

func (f *fakeLoginClient) GenerateQR(ctx context.Context) (*bilibili.QRCode, error) {
	f.qrGenerated++
	return f.qr, f.qrErr
}

func (f *fakeLoginClient) PollQR(ctx context.Context, qrKey string) (*bilibili.QRPoll, error) {
	if f.pollIdx >= len(f.polls) {
		return &bilibili.QRPoll{Code: bilibili.QRPollWaiting}, nil
	}
	poll := f.polls[f.pollIdx]
	f.pollIdx++
	return poll, nil
}

func (f *fakeLoginClient) MyInfo(ctx context.Context) (*bilibili.UserInfo, error) {
	if f.myInfoFn == nil {
		return nil, nil
	}
	return f.myInfoFn(f.creds), nil
}

type nopBus struct{}

func (nopBus) Publish(eventType string, payload any) {}

type recordingBus struct {
	statuses []Status
}

func (b *recordingBus) Publish(eventType string, payload any) {
	if status, ok := payload.(Status); ok {
		b.statuses = append(b.statuses, status)
	}
}

func newTestService(t *testing.T, client *fakeLoginClient) (*Service, *credential.Store) {
	t.Helper()
	creds := credential.New(t.TempDir(), 10001)
	client.creds = creds
	svc := New(client, creds, nopBus{}, zap.NewNop())
	svc.pollInterval = time.Millisecond
	svc.maxAttempts = 5
	return svc, creds
}

func TestLoginWithValidCachedCredentials(t *testing.T) {
	client := &fakeLoginClient{
		myInfoFn: func(creds *credential.Store) *bilibili.UserInfo {
			return &bilibili.UserInfo{IsLogin: true, Mid: 10001, Uname: "bot"}
		},
	}
	svc, creds := newTestService(t, client)
	creds.Set(map[string]string{credential.CookieSession: "cached", credential.CookieCSRF: "csrf"})
	if err := creds.Save(); err != nil {
		t.Fatal(err)
	}

	status, err := svc.Login(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.State != StateAuthenticated {
		t.Fatalf("state = %s", status.State)
	}
	if status.Mid != 10001 || status.Nickname != "bot" {
		t.Fatalf("status = %+v", status)
	}
	if client.qrGenerated != 0 {
		t.Fatal("valid cached credentials must not trigger a QR flow")
	}
	if !creds.Usable() {
		t.Fatal("credentials must be marked verified")
	}
}

func TestLoginFallsBackToQRAndConfirms(t *testing.T) {
	client := &fakeLoginClient{
		qr: &bilibili.QRCode{URL: "https://passport.bilibili.com/qr/abc", Key: "qr-key"},
		polls: []*bilibili.QRPoll{
			{Code: bilibili.QRPollWaiting},
			{Code: bilibili.QRPollScanned},
			{
				Code: bilibili.QRPollConfirmed,
				URL:  "https://passport.biligame.com/crossDomain?DedeUserID=10001&SESSDATA=fresh-sess&bili_jct=fresh-csrf",
			},
		},
		myInfoFn: func(creds *credential.Store) *bilibili.UserInfo {
			// The cached probe fails, the fresh one succeeds.
			if creds.Get(credential.CookieSession) != "fresh-sess" {
				return nil
			}
			return &bilibili.UserInfo{IsLogin: true, Mid: 10001, Uname: "bot"}
		},
	}
	svc, creds := newTestService(t, client)
	creds.Set(map[string]string{credential.CookieSession: "stale", credential.CookieCSRF: "stale"})

	status, err := svc.Login(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.State != StateAuthenticated {
		t.Fatalf("state = %s, reason = %s", status.State, status.Reason)
	}
	if client.qrGenerated != 1 {
		t.Fatalf("qr generated %d times", client.qrGenerated)
	}
	if creds.Get(credential.CookieSession) != "fresh-sess" {
		t.Fatalf("SESSDATA = %q", creds.Get(credential.CookieSession))
	}
	if csrf, err := creds.CSRF(); err != nil || csrf != "fresh-csrf" {
		t.Fatalf("csrf = %q, %v", csrf, err)
	}
	// Fresh credentials must have been persisted for the next restart.
	restored := credential.New(filepath.Dir(filepath.Dir(creds.Path())), 10001)
	if err := restored.Load(); err != nil {
		t.Fatal(err)
	}
	if restored.Get(credential.CookieSession) != "fresh-sess" {
		t.Fatal("credentials were not persisted")
	}
}

func TestLoginQRExpired(t *testing.T) {
	client := &fakeLoginClient{
		qr: &bilibili.QRCode{URL: "https://example/qr", Key: "qr-key"},
		polls: []*bilibili.QRPoll{
			{Code: bilibili.QRPollExpired},
		},
	}
	svc, _ := newTestService(t, client)

	status, err := svc.Login(context.Background())
	if err == nil {
		t.Fatal("expired qr must be an error")
	}
	if status.State != StateExpired {
		t.Fatalf("state = %s", status.State)
	}
}

func TestLoginQRTimeout(t *testing.T) {
	client := &fakeLoginClient{
		qr: &bilibili.QRCode{URL: "https://example/qr", Key: "qr-key"},
	}
	svc, _ := newTestService(t, client)
	svc.maxAttempts = 2

	status, err := svc.Login(context.Background())
	if err == nil {
		t.Fatal("unscanned qr must time out")
	}
	if status.State != StateTimedOut {
		t.Fatalf("state = %s", status.State)
	}
}

func TestLoginQRGenerationRefused(t *testing.T) {
	client := &fakeLoginClient{qr: nil}
	svc, _ := newTestService(t, client)

	status, err := svc.Login(context.Background())
	if err == nil {
		t.Fatal("refused qr generation must fail")
	}
	if status.State != StateFailed {
		t.Fatalf("state = %s", status.State)
	}
}

func TestAwaitingScanPublishesQRCode(t *testing.T) {
	client := &fakeLoginClient{
		qr: &bilibili.QRCode{URL: "https://example/qr", Key: "qr-key"},
	}
	svc, _ := newTestService(t, client)
	bus := &recordingBus{}
	svc.bus = bus
	svc.maxAttempts = 1

	_, _ = svc.Login(context.Background())

	var awaiting *Status
	for i := range bus.statuses {
		if bus.statuses[i].State == StateAwaitingScan {
			awaiting = &bus.statuses[i]
			break
		}
	}
	if awaiting == nil {
		t.Fatal("AwaitingScan was never published")
	}
	if awaiting.QRCodeURL != "https://example/qr" {
		t.Fatalf("qr url = %q", awaiting.QRCodeURL)
	}
	if len(awaiting.QRCodeImage) == 0 {
		t.Fatal("qr image must be rendered")
	}
}

func TestLogoutResetsState(t *testing.T) {
	client := &fakeLoginClient{
		myInfoFn: func(creds *credential.Store) *bilibili.UserInfo {
			return &bilibili.UserInfo{IsLogin: true, Mid: 10001, Uname: "bot"}
		},
	}
	svc, creds := newTestService(t, client)
	creds.Set(map[string]string{credential.CookieSession: "cached", credential.CookieCSRF: "csrf"})

	if _, err := svc.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := svc.Logout(); err != nil {
		t.Fatal(err)
	}
	if svc.Status().State != StateInit {
		t.Fatalf("state = %s", svc.Status().State)
	}
	if creds.HasCookies() {
		t.Fatal("logout must clear the credentials")
	}
}

func TestExtractURLCookies(t *testing.T) {
	cookies := extractURLCookies("https://passport.biligame.com/crossDomain?DedeUserID=10001&DedeUserID__ckMd5=abc&Expires=1600000&SESSDATA=sess%2Cvalue&bili_jct=csrf")
	if cookies[credential.CookieSession] != "sess,value" {
		t.Fatalf("SESSDATA = %q", cookies[credential.CookieSession])
	}
	if cookies[credential.CookieCSRF] != "csrf" {
		t.Fatalf("bili_jct = %q", cookies[credential.CookieCSRF])
	}
	if cookies["DedeUserID__ckMd5"] != "abc" {
		t.Fatalf("ckMd5 = %q", cookies["DedeUserID__ckMd5"])
	}
	if got := extractURLCookies("://not a url"); len(got) != 0 {
		t.Fatalf("invalid url must yield nothing, got %v", got)
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []State{StateAuthenticated, StateExpired, StateTimedOut, StateFailed}
	for _, state := range terminal {
		if !state.Terminal() {
			t.Errorf("%s must be terminal", state)
		}
	}
	active := []State{StateInit, StateVerifyingCache, StateNeedsQR, StateAwaitingScan}
	for _, state := range active {
		if state.Terminal() {
			t.Errorf("%s must not be terminal", state)
		}
	}
}
