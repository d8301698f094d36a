package bilibili

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestWBIMixinKeyLength(t *testing.T) {
	raw := "7cd084941338484aae1ad9425b84077c4932caff0ff746eab6f01bf08b70ac45"
	mixed := wbiMixinKey(raw)
	if len(mixed) != 32 {
		t.Fatalf("mixin key length = %d, want 32", len(mixed))
	}
	// The permutation is fixed, so the result must be stable.
	if again := wbiMixinKey(raw); again != mixed {
		t.Fatalf("mixin key not deterministic: %q vs %q", mixed, again)
	}
	if mixed[0] != raw[wbiMixinTable[0]] {
		t.Fatalf("first mixed byte = %c, want %c", mixed[0], raw[wbiMixinTable[0]])
	}
}

func TestWBIKeyFromURL(t *testing.T) {
	cases := map[string]string{
		"https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png": "7cd084941338484aae1ad9425b84077c",
		"https://i0.hdslb.com/bfs/wbi/abc.bin":                               "abc",
		"noextension": "noextension",
	}
	for input, want := range cases {
		if got := wbiKeyFromURL(input); got != want {
			t.Errorf("wbiKeyFromURL(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestStripWBIChars(t *testing.T) {
	if got := stripWBIChars("a!b'c(d)e*f"); got != "abcdef" {
		t.Fatalf("stripWBIChars = %q, want abcdef", got)
	}
	if got := stripWBIChars("untouched value"); got != "untouched value" {
		t.Fatalf("stripWBIChars mangled a clean value: %q", got)
	}
}

func TestEncodeWBIComponent(t *testing.T) {
	if got := encodeWBIComponent("a b"); got != "a%20b" {
		t.Fatalf("encodeWBIComponent(\"a b\") = %q, want a%%20b", got)
	}
	if got := encodeWBIComponent("key=value&x"); got != "key%3Dvalue%26x" {
		t.Fatalf("encodeWBIComponent = %q", got)
	}
}

func TestSignWBIDeterministic(t *testing.T) {
	params := map[string]string{
		"mid":      "12345",
		"platform": "web",
	}
	first := signWBI(params, "abcdef0123456789abcdef0123456789", 1700000000)
	second := signWBI(params, "abcdef0123456789abcdef0123456789", 1700000000)
	if first.Get("w_rid") == "" {
		t.Fatal("missing w_rid")
	}
	if first.Get("w_rid") != second.Get("w_rid") {
		t.Fatalf("signature not deterministic: %s vs %s", first.Get("w_rid"), second.Get("w_rid"))
	}
	if first.Get("wts") != "1700000000" {
		t.Fatalf("wts = %s", first.Get("wts"))
	}
	if first.Get("mid") != "12345" {
		t.Fatalf("signed values must keep the original params, got mid=%s", first.Get("mid"))
	}
}

func TestSignWBIChangesWithInput(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("different param values produce different signatures", prop.ForAll(
		func(a string, b string) bool {
			if a == b {
				return true
			}
			sigA := signWBI(map[string]string{"keyword": a}, "abcdef0123456789abcdef0123456789", 1700000000)
			sigB := signWBI(map[string]string{"keyword": b}, "abcdef0123456789abcdef0123456789", 1700000000)
			if stripWBIChars(a) == stripWBIChars(b) {
				return sigA.Get("w_rid") == sigB.Get("w_rid")
			}
			return sigA.Get("w_rid") != sigB.Get("w_rid")
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("wts shift changes the signature", prop.ForAll(
		func(wts int64, shift int64) bool {
			if shift == 0 {
				return true
			}
			sigA := signWBI(map[string]string{"mid": "1"}, "abcdef0123456789abcdef0123456789", wts)
			sigB := signWBI(map[string]string{"mid": "1"}, "abcdef0123456789abcdef0123456789", wts+shift)
			return sigA.Get("w_rid") != sigB.Get("w_rid")
		},
		gen.Int64Range(1, 1<<40),
		gen.Int64Range(1, 1000),
	))

	properties.TestingRun(t)
}

func TestWBISignerCachesKeys(t *testing.T) {
	var fetches int
	signer := newWBISigner(func(ctx context.Context) (string, string, error) {
		fetches++
		return "imgkeyimgkeyimgkeyimgkeyimgkey32", "subkeysubkeysubkeysubkeysubkey32", nil
	})

	for i := 0; i < 3; i++ {
		if _, err := signer.Sign(context.Background(), map[string]string{"mid": "1"}); err != nil {
			t.Fatalf("sign %d: %v", i, err)
		}
	}
	if fetches != 1 {
		t.Fatalf("fetches = %d, want 1 (keys cached)", fetches)
	}
}

func TestWBISignerRefreshAfterTTL(t *testing.T) {
	var fetches int
	signer := newWBISigner(func(ctx context.Context) (string, string, error) {
		fetches++
		return "img", "sub", nil
	})
	current := time.Unix(1700000000, 0)
	signer.now = func() time.Time { return current }

	if _, err := signer.Sign(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	current = current.Add(wbiKeyTTL + time.Second)
	if _, err := signer.Sign(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if fetches != 2 {
		t.Fatalf("fetches = %d, want 2 (TTL expired)", fetches)
	}
}

func TestWBISignerSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var fetches int
	var fetchMu sync.Mutex

	signer := newWBISigner(func(ctx context.Context) (string, string, error) {
		fetchMu.Lock()
		fetches++
		if fetches == 1 {
			close(started)
		}
		fetchMu.Unlock()
		<-release
		return "img", "sub", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = signer.Sign(context.Background(), nil)
		}()
	}
	<-started
	close(release)
	wg.Wait()

	fetchMu.Lock()
	defer fetchMu.Unlock()
	if fetches != 1 {
		t.Fatalf("fetches = %d, want 1 (single flight)", fetches)
	}
}

func TestWBISignerFetchFailure(t *testing.T) {
	wantErr := errors.New("nav unavailable")
	signer := newWBISigner(func(ctx context.Context) (string, string, error) {
		return "", "", wantErr
	})
	if _, err := signer.Sign(context.Background(), nil); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
