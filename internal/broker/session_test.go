package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// testTOTPSecret is a throwaway base32 seed for TOTP generation in tests.
const testTOTPSecret = "JBSWY3DPEHPK3PXP"

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testCreds() Credentials {
	return Credentials{
		APIKey:     "test-key",
		ClientCode: "A123",
		Password:   "pin",
		TOTPSecret: testTOTPSecret,
	}
}

const loginResponse = `{"status":true,"data":{
	"jwtToken":"jwt-1","refreshToken":"refresh-1","feedToken":"feed-1"}}`

func TestSessionManager_Authenticate(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathLogin {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(loginResponse))
	})
	defer srv.Close()

	m := NewSessionManager(api, testCreds(), nil, testLogger())
	sess, err := m.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	// Tokens from the venue response land in the session verbatim
	if sess.AccessToken != "jwt-1" || sess.RefreshToken != "refresh-1" || sess.FeedToken != "feed-1" {
		t.Fatalf("session = %+v", sess)
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl < 26*time.Hour || ttl > 28*time.Hour {
		t.Fatalf("login expiry ttl = %v, want ~27h", ttl)
	}
	if !m.IsValid() {
		t.Fatal("IsValid() = false after authenticate")
	}
}

func TestSessionManager_Authenticate_Rejected(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":false,"message":"Invalid Email Or Password","errorcode":"AB1000"}`))
	})
	defer srv.Close()

	m := NewSessionManager(api, testCreds(), nil, testLogger())
	_, err := m.Authenticate(context.Background())
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Code != "AB1000" {
		t.Fatalf("Authenticate() error = %v, want AB1000", err)
	}
	if !m.Session().IsZero() {
		t.Fatal("session must stay empty after failed login")
	}
}

func TestSessionManager_IsValid_GuardBand(t *testing.T) {
	m := NewSessionManager(NewSmartAPI("k"), testCreds(), nil, testLogger())

	now := time.Date(2025, 8, 27, 10, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return now }

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"well before expiry", now.Add(2 * time.Hour), true},
		{"just outside guard band", now.Add(5*time.Minute + time.Second), true},
		{"exactly at guard band", now.Add(5 * time.Minute), false},
		{"inside guard band", now.Add(time.Minute), false},
		{"already expired", now.Add(-time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.session = Session{AccessToken: "tok", RefreshToken: "r", FeedToken: "f", ExpiresAt: tt.expiresAt}
			if got := m.IsValid(); got != tt.want {
				t.Fatalf("IsValid() = %v, want %v", got, tt.want)
			}
		})
	}

	m.session = Session{}
	if m.IsValid() {
		t.Fatal("IsValid() = true for empty session")
	}
}

func TestSessionManager_Refresh(t *testing.T) {
	var gotRefreshToken string
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathGenerateTokens {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotRefreshToken = body["refreshToken"]
		_, _ = w.Write([]byte(`{"status":true,"data":{"jwtToken":"jwt-2","refreshToken":"refresh-2","feedToken":"feed-2"}}`))
	})
	defer srv.Close()

	m := NewSessionManager(api, testCreds(), nil, testLogger())
	m.session = Session{AccessToken: "jwt-1", RefreshToken: "refresh-1", FeedToken: "feed-1", ExpiresAt: time.Now().Add(time.Minute)}

	if !m.Refresh(context.Background()) {
		t.Fatal("Refresh() = false, want true")
	}
	if gotRefreshToken != "refresh-1" {
		t.Fatalf("refresh used token %q, want refresh-1", gotRefreshToken)
	}

	sess := m.Session()
	if sess.AccessToken != "jwt-2" {
		t.Fatalf("AccessToken = %q, want jwt-2", sess.AccessToken)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl < 22*time.Hour || ttl > 24*time.Hour {
		t.Fatalf("refresh expiry ttl = %v, want ~23h", ttl)
	}
}

func TestSessionManager_Refresh_NoToken(t *testing.T) {
	m := NewSessionManager(NewSmartAPI("k"), testCreds(), nil, testLogger())
	if m.Refresh(context.Background()) {
		t.Fatal("Refresh() without refresh token = true, want false")
	}
}

func TestSessionManager_Refresh_VenueRejects(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":false,"errorcode":"AB8051"}`))
	})
	defer srv.Close()

	m := NewSessionManager(api, testCreds(), nil, testLogger())
	m.session = Session{AccessToken: "jwt-1", RefreshToken: "refresh-1", FeedToken: "f", ExpiresAt: time.Now()}
	if m.Refresh(context.Background()) {
		t.Fatal("Refresh() = true on venue rejection, want false")
	}
	// failed refresh leaves the old session untouched
	if m.Session().AccessToken != "jwt-1" {
		t.Fatalf("session mutated by failed refresh: %+v", m.Session())
	}
}

func TestSessionManager_EnsureValid_FallsBackToLogin(t *testing.T) {
	var logins, refreshes atomic.Int32
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathGenerateTokens:
			refreshes.Add(1)
			_, _ = w.Write([]byte(`{"status":false,"errorcode":"AB8050"}`))
		case pathLogin:
			logins.Add(1)
			_, _ = w.Write([]byte(loginResponse))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	})
	defer srv.Close()

	m := NewSessionManager(api, testCreds(), nil, testLogger())
	m.session = Session{AccessToken: "old", RefreshToken: "stale", FeedToken: "f", ExpiresAt: time.Now().Add(-time.Hour)}

	if !m.EnsureValid(context.Background()) {
		t.Fatal("EnsureValid() = false, want true")
	}
	if refreshes.Load() != 1 || logins.Load() != 1 {
		t.Fatalf("refreshes = %d, logins = %d; want 1 and 1", refreshes.Load(), logins.Load())
	}
}

func TestSessionManager_EnsureValid_FastPathNoIO(t *testing.T) {
	var calls atomic.Int32
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(loginResponse))
	})
	defer srv.Close()

	m := NewSessionManager(api, testCreds(), nil, testLogger())
	m.session = Session{AccessToken: "tok", RefreshToken: "r", FeedToken: "f", ExpiresAt: time.Now().Add(time.Hour)}

	if !m.EnsureValid(context.Background()) {
		t.Fatal("EnsureValid() = false, want true")
	}
	if calls.Load() != 0 {
		t.Fatalf("EnsureValid issued %d HTTP calls on the fast path, want 0", calls.Load())
	}
}

// Concurrent EnsureValid callers must trigger at most one login.
func TestSessionManager_EnsureValid_Serialized(t *testing.T) {
	var logins atomic.Int32
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == pathLogin {
			logins.Add(1)
			time.Sleep(50 * time.Millisecond) // widen the race window
			_, _ = w.Write([]byte(loginResponse))
			return
		}
		_, _ = w.Write([]byte(`{"status":false,"errorcode":"AB8050"}`))
	})
	defer srv.Close()

	m := NewSessionManager(api, testCreds(), nil, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !m.EnsureValid(context.Background()) {
				t.Error("EnsureValid() = false")
			}
		}()
	}
	wg.Wait()

	if logins.Load() != 1 {
		t.Fatalf("concurrent EnsureValid issued %d logins, want 1", logins.Load())
	}
}

func TestSessionManager_LoadsCachedSession(t *testing.T) {
	cached := Session{AccessToken: "tok", RefreshToken: "r", FeedToken: "f", ExpiresAt: time.Now().Add(time.Hour)}
	store := &memorySessionStore{session: cached}

	m := NewSessionManager(NewSmartAPI("k"), testCreds(), store, testLogger())
	if !m.IsValid() {
		t.Fatal("IsValid() = false, want cached session to be honored")
	}
}

// memorySessionStore is an in-memory SessionStore for tests.
type memorySessionStore struct {
	mu      sync.Mutex
	session Session
}

func (s *memorySessionStore) LoadSession() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, nil
}

func (s *memorySessionStore) SaveSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = sess
	return nil
}

func (s *memorySessionStore) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = Session{}
	return nil
}
