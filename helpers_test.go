package campusauth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/campuskit/campusauth"
	"github.com/campuskit/campusauth/stores/memory"
)

func testSecrets() campusauth.Secrets {
	return campusauth.Secrets{
		AccessTokenSecret:  bytes.Repeat([]byte{0x01}, 32),
		RefreshTokenSecret: bytes.Repeat([]byte{0x02}, 32),
		EncryptionKey:      bytes.Repeat([]byte{0x03}, 32),
		Pepper:             bytes.Repeat([]byte{0x04}, 32),
	}
}

// captureMailer records outbound mail so tests can follow the links.
type captureMailer struct {
	mu           sync.Mutex
	verification []string
	resets       []string
	blocked      []string
}

func (m *captureMailer) SendVerification(_ context.Context, to, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verification = append(m.verification, link)
	return nil
}

func (m *captureMailer) SendPasswordReset(_ context.Context, to, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, link)
	return nil
}

func (m *captureMailer) SendAccountBlocked(_ context.Context, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = append(m.blocked, to)
	return nil
}

func (m *captureMailer) lastReset(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		n := len(m.resets)
		var link string
		if n > 0 {
			link = m.resets[n-1]
		}
		m.mu.Unlock()
		if link != "" {
			return link
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no reset mail captured")
	return ""
}

func (m *captureMailer) lastVerification(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		n := len(m.verification)
		var link string
		if n > 0 {
			link = m.verification[n-1]
		}
		m.mu.Unlock()
		if link != "" {
			return link
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no verification mail captured")
	return ""
}

type testEnv struct {
	auth   *campusauth.AuthService
	store  *memory.Store
	mailer *captureMailer
	srv    http.Handler
}

func newTestEnv(t *testing.T, extra ...campusauth.Option) *testEnv {
	t.Helper()

	store := memory.New()
	mailer := &captureMailer{}

	opts := []campusauth.Option{
		campusauth.WithStore(store),
		campusauth.WithSecrets(testSecrets()),
		campusauth.WithLogger(zap.NewNop()),
		campusauth.WithMailer(mailer),
		campusauth.WithAppURL("http://app.test"),
		// Generous limits so flow tests never trip the limiter; the rate
		// limit test sets its own.
		campusauth.WithRateLimits(campusauth.RateLimitConfig{
			LoginLimit:          1000,
			LoginWindow:         time.Minute,
			RegisterLimit:       1000,
			RegisterWindow:      time.Minute,
			PasswordResetLimit:  1000,
			PasswordResetWindow: time.Minute,
		}),
	}
	opts = append(opts, extra...)

	auth, err := campusauth.New(opts...)
	if err != nil {
		t.Fatalf("campusauth.New: %v", err)
	}

	return &testEnv{auth: auth, store: store, mailer: mailer, srv: auth.Handler()}
}

// envelope mirrors the API response shape.
type envelope struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Data    map[string]any `json:"data"`
}

type request struct {
	method   string
	path     string
	body     any
	token    string
	deviceID string
	cookies  []*http.Cookie
}

func (e *testEnv) do(t *testing.T, req request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var body *bytes.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	httpReq := httptest.NewRequest(req.method, req.path, body)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.deviceID != "" {
		httpReq.Header.Set("X-Device-ID", req.deviceID)
	}
	for _, c := range req.cookies {
		httpReq.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, httpReq)

	var env envelope
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

const (
	testPassword = "plum-Trombone-83-vivid"
	principalPW  = "quartz-Lantern-77-moss"
)

// registerPrincipal creates a school and its principal.
func (e *testEnv) registerPrincipal(t *testing.T, email, schoolCode string) {
	t.Helper()
	rec, env := e.do(t, request{
		method: http.MethodPost, path: "/register",
		body: map[string]any{
			"name":        "Pat Principal",
			"email":       email,
			"password":    principalPW,
			"role":        "principal",
			"school_code": schoolCode,
			"school_name": "Test High School",
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register principal: status %d, body %s", rec.Code, rec.Body.String())
	}
	if !env.Success {
		t.Fatalf("register principal: %+v", env)
	}
}

// registerUser creates a non-principal account in an existing school.
func (e *testEnv) registerUser(t *testing.T, email, role, schoolCode string) {
	t.Helper()
	rec, _ := e.do(t, request{
		method: http.MethodPost, path: "/register",
		body: map[string]any{
			"name":        "Sam Student",
			"email":       email,
			"password":    testPassword,
			"role":        role,
			"school_code": schoolCode,
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d, body %s", role, rec.Code, rec.Body.String())
	}
}

type loginResult struct {
	accessToken  string
	refreshToken string
	deviceID     string
	sessionID    string
}

// login signs in and fails the test unless it succeeds.
func (e *testEnv) login(t *testing.T, email, password, deviceID string) loginResult {
	t.Helper()
	rec, env := e.do(t, request{
		method: http.MethodPost, path: "/login",
		deviceID: deviceID,
		body:     map[string]any{"email": email, "password": password},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d, body %s", email, rec.Code, rec.Body.String())
	}
	return tokensFrom(t, env)
}

func tokensFrom(t *testing.T, env envelope) loginResult {
	t.Helper()
	res := loginResult{}
	res.accessToken, _ = env.Data["access_token"].(string)
	res.refreshToken, _ = env.Data["refresh_token"].(string)
	res.deviceID, _ = env.Data["device_id"].(string)
	res.sessionID, _ = env.Data["session_id"].(string)
	return res
}
