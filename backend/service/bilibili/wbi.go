package bilibili

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// wbiMixinTable is the fixed permutation applied to the concatenated
// img+sub keys before truncation to 32 characters.
var wbiMixinTable = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 30, 4,
	22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11, 36, 20, 34, 44, 52,
}

const wbiKeyTTL = 10 * time.Minute

type wbiFlight struct {
	done chan struct{}
	img  string
	sub  string
	err  error
}

// wbiSigner caches the signing keys for wbiKeyTTL and single-flights
// the refresh: concurrent signers await one in-flight key fetch.
type wbiSigner struct {
	fetch func(ctx context.Context) (img string, sub string, err error)
	now   func() time.Time

	mu        sync.Mutex
	img       string
	sub       string
	fetchedAt time.Time
	flight    *wbiFlight
}

func newWBISigner(fetch func(ctx context.Context) (string, string, error)) *wbiSigner {
	return &wbiSigner{fetch: fetch, now: time.Now}
}

// Sign appends wts, sorts the parameters, strips the forbidden
// characters from values and adds the w_rid digest. A key-fetch
// failure fails the whole call: the caller must not send unsigned.
func (s *wbiSigner) Sign(ctx context.Context, params map[string]string) (url.Values, error) {
	img, sub, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}
	return signWBI(params, wbiMixinKey(img+sub), s.now().Unix()), nil
}

func (s *wbiSigner) keys(ctx context.Context) (string, string, error) {
	s.mu.Lock()
	if s.img != "" && s.now().Sub(s.fetchedAt) < wbiKeyTTL {
		img, sub := s.img, s.sub
		s.mu.Unlock()
		return img, sub, nil
	}
	if flight := s.flight; flight != nil {
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-flight.done:
		}
		return flight.img, flight.sub, flight.err
	}
	flight := &wbiFlight{done: make(chan struct{})}
	s.flight = flight
	s.mu.Unlock()

	flight.img, flight.sub, flight.err = s.fetch(ctx)

	s.mu.Lock()
	if flight.err == nil {
		s.img, s.sub = flight.img, flight.sub
		s.fetchedAt = s.now()
	}
	s.flight = nil
	s.mu.Unlock()
	close(flight.done)
	return flight.img, flight.sub, flight.err
}

func signWBI(params map[string]string, mixinKey string, wts int64) url.Values {
	merged := make(map[string]string, len(params)+1)
	for key, value := range params {
		merged[key] = value
	}
	merged["wts"] = strconv.FormatInt(wts, 10)

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	signed := url.Values{}
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := stripWBIChars(merged[key])
		signed.Set(key, value)
		parts = append(parts, encodeWBIComponent(key)+"="+encodeWBIComponent(value))
	}
	digest := md5.Sum([]byte(strings.Join(parts, "&") + mixinKey))
	signed.Set("w_rid", hex.EncodeToString(digest[:]))
	return signed
}

func wbiMixinKey(raw string) string {
	var builder strings.Builder
	builder.Grow(32)
	for _, idx := range wbiMixinTable {
		if idx < len(raw) {
			builder.WriteByte(raw[idx])
		}
		if builder.Len() >= 32 {
			break
		}
	}
	mixed := builder.String()
	if len(mixed) > 32 {
		mixed = mixed[:32]
	}
	return mixed
}

func stripWBIChars(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '!', '\'', '(', ')', '*':
			return -1
		}
		return r
	}, value)
}

// encodeWBIComponent matches encodeURIComponent: spaces become %20.
func encodeWBIComponent(value string) string {
	return strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
}

// wbiKeyFromURL extracts the signing key from the nav wbi_img URLs:
// the file name without its extension.
func wbiKeyFromURL(raw string) string {
	base := path.Base(strings.TrimSpace(raw))
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	return base
}
