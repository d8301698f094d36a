package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Cookie names the rest of the daemon depends on.
const (
	CookieSession = "SESSDATA"
	CookieCSRF    = "bili_jct"
	CookieUID     = "DedeUserID"
)

// Store holds the cookie jar for one identity and mirrors it to a JSON
// file so a restart can resume the session without a new QR scan.
// Verified is runtime state: it is only set after the identity probe
// confirms the cookies still work.
type Store struct {
	mu       sync.RWMutex
	path     string
	cookies  map[string]string
	header   string
	verified bool
}

func New(dataDir string, selfUID int64) *Store {
	return &Store{
		path:    filepath.Join(dataDir, "credentials", fmt.Sprintf("%d.cookie.json", selfUID)),
		cookies: map[string]string{},
	}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted cookie map. A missing file leaves the store
// empty and is not an error.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cookies := map[string]string{}
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return fmt.Errorf("parse credential file %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.cookies = cookies
	s.header = buildHeader(cookies)
	s.verified = false
	s.mu.Unlock()
	return nil
}

func (s *Store) Save() error {
	s.mu.RLock()
	snapshot := make(map[string]string, len(s.cookies))
	for name, value := range s.cookies {
		snapshot[name] = value
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Set merges the given cookies and rebuilds the Cookie header string.
// Setting a cookie invalidates the verified flag until the next probe.
func (s *Store) Set(cookies map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range cookies {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s.cookies[name] = value
	}
	s.header = buildHeader(s.cookies)
	s.verified = false
}

// SetFromResponse merges Set-Cookie values from an upstream response.
func (s *Store) SetFromResponse(cookies []*http.Cookie) {
	merged := map[string]string{}
	for _, cookie := range cookies {
		if cookie == nil || strings.TrimSpace(cookie.Name) == "" {
			continue
		}
		merged[cookie.Name] = cookie.Value
	}
	if len(merged) > 0 {
		s.Set(merged)
	}
}

func (s *Store) Get(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cookies[name]
}

func (s *Store) CookieHeader() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header
}

// CSRF returns bili_jct. Mutating API calls must fail on this error
// before any network I/O happens.
func (s *Store) CSRF() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	csrf := strings.TrimSpace(s.cookies[CookieCSRF])
	if csrf == "" {
		return "", errors.New("missing bili_jct in credentials")
	}
	return csrf, nil
}

// UID returns the DedeUserID cookie as an integer, 0 when absent.
func (s *Store) UID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, err := strconv.ParseInt(strings.TrimSpace(s.cookies[CookieUID]), 10, 64)
	if err != nil {
		return 0
	}
	return uid
}

func (s *Store) MarkVerified(verified bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = verified
}

// Usable reports whether the session can be used without a fresh login:
// the cookies passed the identity probe and both the session and CSRF
// cookies are present.
func (s *Store) Usable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified &&
		strings.TrimSpace(s.cookies[CookieSession]) != "" &&
		strings.TrimSpace(s.cookies[CookieCSRF]) != ""
}

func (s *Store) HasCookies() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strings.TrimSpace(s.cookies[CookieSession]) != ""
}

// Clear wipes the in-memory jar and removes the persisted file.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.cookies = map[string]string{}
	s.header = ""
	s.verified = false
	s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func buildHeader(cookies map[string]string) string {
	keys := make([]string, 0, len(cookies))
	for key := range cookies {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+cookies[key])
	}
	return strings.Join(parts, "; ")
}
