package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"bilibilidm/botd/backend/config"
	"bilibilidm/botd/backend/service/bilibili"
	"bilibilidm/botd/backend/service/credential"
	"bilibilidm/botd/backend/service/eventbus"
	loginsvc "bilibilidm/botd/backend/service/login"
	"bilibilidm/botd/backend/store"
)

// blockingLoginClient parks the identity probe until release is closed
// so tests can interleave Stop with a pending handshake.
type blockingLoginClient struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (c *blockingLoginClient) GenerateQR(ctx context.Context) (*bilibili.QRCode, error) {
	return nil, errors.New("unexpected qr flow")
}

func (c *blockingLoginClient) PollQR(ctx context.Context, qrKey string) (*bilibili.QRPoll, error) {
	return nil, errors.New("unexpected qr flow")
}

func (c *blockingLoginClient) MyInfo(ctx context.Context) (*bilibili.UserInfo, error) {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return &bilibili.UserInfo{IsLogin: true, Mid: 10001, Uname: "bot"}, nil
}

type instantLoginClient struct{}

func (instantLoginClient) GenerateQR(ctx context.Context) (*bilibili.QRCode, error) {
	return nil, errors.New("unexpected qr flow")
}

func (instantLoginClient) PollQR(ctx context.Context, qrKey string) (*bilibili.QRPoll, error) {
	return nil, errors.New("unexpected qr flow")
}

func (instantLoginClient) MyInfo(ctx context.Context) (*bilibili.UserInfo, error) {
	return &bilibili.UserInfo{IsLogin: true, Mid: 10001, Uname: "bot"}, nil
}

func newTestAdapter(t *testing.T, client loginsvc.Client) *Adapter {
	t.Helper()
	dir := t.TempDir()
	storeDB, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { storeDB.Close() })

	log := zap.NewNop()
	bus := eventbus.New(storeDB, log)
	creds := credential.New(dir, 10001)
	creds.Set(map[string]string{
		credential.CookieSession: "sess",
		credential.CookieCSRF:    "csrf",
	})
	if err := creds.Save(); err != nil {
		t.Fatal(err)
	}

	cfg := config.Config{
		DataDir:             dir,
		SelfUID:             10001,
		MessagePollInterval: config.Duration(time.Hour),
		DynamicPollInterval: config.Duration(time.Hour),
		LivePollInterval:    config.Duration(time.Hour),
	}
	return New(cfg, nil, creds, loginsvc.New(client, creds, bus, log), bus, log)
}

func TestStartStopLifecycle(t *testing.T) {
	a := newTestAdapter(t, instantLoginClient{})

	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !a.Running() {
		t.Fatal("adapter must report running after start")
	}
	if !a.poller.Active() {
		t.Fatal("poller must be armed after start")
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("second start must be rejected")
	}

	a.Stop()
	if a.Running() {
		t.Fatal("adapter must report stopped")
	}
	if a.poller.Active() {
		t.Fatal("poller must be disarmed after stop")
	}
	// Stop is idempotent.
	a.Stop()
}

func TestStopDuringLoginAbortsStart(t *testing.T) {
	client := &blockingLoginClient{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	a := newTestAdapter(t, client)

	done := make(chan error, 1)
	go func() { done <- a.Start(context.Background()) }()

	select {
	case <-client.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handshake never started")
	}
	a.Stop()
	close(client.release)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("start must fail when stopped during the handshake")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("start never returned")
	}
	if a.Running() {
		t.Fatal("adapter must stay stopped")
	}
	if a.poller.Active() {
		t.Fatal("poll loops must not be armed after a stop during login")
	}
	// The adapter is restartable after the aborted handshake.
	a.Stop()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("restart after aborted start: %v", err)
	}
	a.Stop()
}

func TestDecodeImagePayloadRawBase64(t *testing.T) {
	want := []byte("png bytes")
	raw, err := decodeImagePayload(base64.StdEncoding.EncodeToString(want))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, want) {
		t.Fatalf("decoded = %q", raw)
	}
}

func TestDecodeImagePayloadDataURL(t *testing.T) {
	want := []byte{0x89, 0x50, 0x4e, 0x47}
	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString(want)
	raw, err := decodeImagePayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, want) {
		t.Fatalf("decoded = %v", raw)
	}
}

func TestDecodeImagePayloadRejectsGarbage(t *testing.T) {
	if _, err := decodeImagePayload(""); err == nil {
		t.Fatal("empty payload must fail")
	}
	if _, err := decodeImagePayload("not!!base64"); err == nil {
		t.Fatal("invalid base64 must fail")
	}
}
