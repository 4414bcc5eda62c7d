package campusauth_test

import (
	"net/http"
	"testing"
)

// The security-events endpoint shows the caller their own audit trail,
// newest first, without IPs or user-agent material.
func TestSecurityEvents(t *testing.T) {
	e := newTestEnv(t)
	e.registerPrincipal(t, "pat@school.test", "GHS")

	// A failed attempt, then a successful login.
	rec, _ := e.do(t, request{
		method: http.MethodPost, path: "/login",
		body: map[string]any{"email": "pat@school.test", "password": "wrong-password"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("failed login status = %d", rec.Code)
	}
	res := e.login(t, "pat@school.test", principalPW, "laptop-1")

	rec, env := e.do(t, request{
		method: http.MethodGet, path: "/security-events", token: res.accessToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("security-events status = %d, body %s", rec.Code, rec.Body.String())
	}

	raw, ok := env.Data["events"].([]any)
	if !ok || len(raw) == 0 {
		t.Fatalf("no events in response: %v", env.Data)
	}

	seen := map[string]bool{}
	for _, item := range raw {
		event, _ := item.(map[string]any)
		eventType, _ := event["event_type"].(string)
		seen[eventType] = true
		for _, field := range []string{"ip", "ip_encrypted", "user_agent", "user_agent_hash"} {
			if _, leaked := event[field]; leaked {
				t.Errorf("event exposes %s", field)
			}
		}
	}
	for _, want := range []string{"register", "login_failed", "login_success"} {
		if !seen[want] {
			t.Errorf("missing %s event, saw %v", want, seen)
		}
	}

	// Newest first: the first entry is the successful login.
	first, _ := raw[0].(map[string]any)
	if got, _ := first["event_type"].(string); got != "login_success" {
		t.Errorf("first event = %q, want login_success", got)
	}
}
