package campusauth_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/campuskit/campusauth"
	"github.com/campuskit/campusauth/crypto"
	"github.com/campuskit/campusauth/stores/memory"
)

// ==================== REGISTRATION ====================

func TestRegisterPrincipalCreatesSchool(t *testing.T) {
	e := newTestEnv(t)
	e.registerPrincipal(t, "pat@school.test", "GHS")

	tenant, err := e.store.Tenants().GetTenantByCode(context.Background(), "GHS")
	if err != nil {
		t.Fatalf("tenant not created: %v", err)
	}
	if !tenant.Active || tenant.Name != "Test High School" {
		t.Errorf("tenant = %+v", tenant)
	}
}

// Registration doubles as the first sign-in: the 201 carries a working
// token pair.
func TestRegisterIssuesInitialTokens(t *testing.T) {
	e := newTestEnv(t)
	rec, env := e.do(t, request{
		method: http.MethodPost, path: "/register",
		deviceID: "laptop-1",
		body: map[string]any{
			"name": "Pat Principal", "email": "pat@school.test",
			"password": principalPW, "role": "principal",
			"school_code": "GHS", "school_name": "Test High School",
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	res := tokensFrom(t, env)
	if res.accessToken == "" || res.refreshToken == "" {
		t.Fatal("registration did not return a token pair")
	}
	if res.deviceID != "laptop-1" {
		t.Errorf("device_id = %q", res.deviceID)
	}

	rec, _ = e.do(t, request{method: http.MethodGet, path: "/me", token: res.accessToken})
	if rec.Code != http.StatusOK {
		t.Errorf("/me with registration token status = %d", rec.Code)
	}
	status, _ := refreshWith(e, t, res, "laptop-1")
	if status != http.StatusOK {
		t.Errorf("refresh with registration token status = %d", status)
	}
}

// Accounts that cannot sign in yet do not get a pair with the 201.
func TestRegisterWithholdsTokensUntilLoginAllowed(t *testing.T) {
	// A teacher waits for approval.
	e := newTestEnv(t)
	e.registerPrincipal(t, "pat@school.test", "GHS")
	rec, env := e.do(t, request{
		method: http.MethodPost, path: "/register",
		body: map[string]any{
			"name": "Terry Teacher", "email": "terry@school.test",
			"password": testPassword, "role": "teacher", "school_code": "GHS",
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("teacher register status = %d", rec.Code)
	}
	if _, ok := env.Data["access_token"]; ok {
		t.Error("unapproved teacher got an access token at registration")
	}

	// Everyone waits while email verification is pending.
	e2 := newTestEnv(t, campusauth.WithEmailVerification(true))
	rec, env = e2.do(t, request{
		method: http.MethodPost, path: "/register",
		body: map[string]any{
			"name": "Pat Principal", "email": "pat@school.test",
			"password": principalPW, "role": "principal",
			"school_code": "GHS", "school_name": "Test High School",
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unverified register status = %d", rec.Code)
	}
	if _, ok := env.Data["access_token"]; ok {
		t.Error("unverified account got an access token at registration")
	}
}

// tenantCreateFailStore fails the next CreateTenant calls, then recovers.
type tenantCreateFailStore struct {
	campusauth.Store
	failures int
}

func (s *tenantCreateFailStore) Tenants() campusauth.TenantStore {
	return &failingTenantStore{TenantStore: s.Store.Tenants(), owner: s}
}

type failingTenantStore struct {
	campusauth.TenantStore
	owner *tenantCreateFailStore
}

func (t *failingTenantStore) CreateTenant(ctx context.Context, tenant campusauth.Tenant) (string, error) {
	if t.owner.failures > 0 {
		t.owner.failures--
		return "", errors.New("tenant insert failed")
	}
	return t.TenantStore.CreateTenant(ctx, tenant)
}

// A failed school creation must not leave the principal's user row behind,
// or the retry dies on EMAIL_EXISTS.
func TestRegisterTenantFailureLeavesNoOrphan(t *testing.T) {
	flaky := &tenantCreateFailStore{Store: memory.New(), failures: 1}
	e := newTestEnv(t, campusauth.WithStore(flaky))

	body := map[string]any{
		"name": "Pat Principal", "email": "pat@school.test",
		"password": principalPW, "role": "principal",
		"school_code": "GHS", "school_name": "Test High School",
	}
	rec, env := e.do(t, request{method: http.MethodPost, path: "/register", body: body})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("first attempt status = %d, want 500", rec.Code)
	}
	if env.Code != campusauth.CodeInternalError {
		t.Errorf("code = %q", env.Code)
	}

	rec, _ = e.do(t, request{method: http.MethodPost, path: "/register", body: body})
	if rec.Code != http.StatusCreated {
		t.Fatalf("retry status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	e := newTestEnv(t)
	e.registerPrincipal(t, "pat@school.test", "GHS")
	e.registerUser(t, "sam@school.test", "student", "GHS")

	rec, env := e.do(t, request{
		method: http.MethodPost, path: "/register",
		body: map[string]any{
			"name": "Sam Again", "email": "sam@school.test",
			"password": testPassword, "role": "student", "school_code": "GHS",
		},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if env.Code != campusauth.CodeEmailExists {
		t.Errorf("code = %q", env.Code)
	}
}

func TestRegisterDuplicateSchoolCode(t *testing.T) {
	e := newTestEnv(t)
	e.registerPrincipal(t, "pat@school.test", "GHS")

	rec, env := e.do(t, request{
		method: http.MethodPost, path: "/register",
		body: map[string]any{
			"name": "Other Principal", "email": "other@school.test",
			"password": principalPW, "role": "principal",
			"school_code": "GHS", "school_name": "Other School",
		},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if env.Code != campusauth.CodeSchoolCodeExists {
		t.Errorf("code = %q", env.Code)
	}
}

func TestRegisterUnknownSchool(t *testing.T) {
	e := newTestEnv(t)
	rec, env := e.do(t, request{
		method: http.MethodPost, path: "/register",
		body: map[string]any{
			"name": "Sam Student", "email": "sam@school.test",
			"password": testPassword, "role": "student", "school_code": "NOPE",
		},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if env.Code != campusauth.CodeTenantNotFound {
		t.Errorf("code = %q", env.Code)
	}
}

func TestRegisterWeakPassword(t *testing.T) {
	e := newTestEnv(t)
	e.registerPrincipal(t, "pat@school.test", "GHS")

	for _, pw := range []string{"short", "alllowercase1", "password123"} {
		rec, _ := e.do(t, request{
			method: http.MethodPost, path: "/register",
			body: map[string]any{
				"name": "Sam", "email": "sam@school.test",
				"password": pw, "role": "student", "school_code": "GHS",
			},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("password %q: status = %d, want 400", pw, rec.Code)
		}
	}
}

func TestRegisterRejectsSuperAdmin(t *testing.T) {
	e := newTestEnv(t)
	rec, _ := e.do(t, request{
		method: http.MethodPost, path: "/register",
		body: map[string]any{
			"name": "Evil Admin", "email": "admin@school.test",
			"password": testPassword, "role": "super_admin", "school_code": "GHS",
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// ==================== LOGIN ====================

func TestLoginSuccess(t *testing.T) {
	e := newTestEnv(t)
	e.registerPrincipal(t, "pat@school.test", "GHS")

	res := e.login(t, "pat@school.test", principalPW, "laptop-1")
	if res.accessToken == "" || res.refreshToken == "" {
		t.Fatal("missing tokens")
	}
	if res.deviceID != "laptop-1" {
		t.Errorf("device_id = %q", res.deviceID)
	}

	rec, env := e.do(t, request{method: http.MethodGet, path: "/me", token: res.accessToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("/me status = %d", rec.Code)
	}
	user, _ := env.Data["user"].(map[string]any)
	if user["role"] != "principal" || user["school_code"] != "GHS" {
		t.Errorf("user = %v", user)
	}
	if _, leaked := user["password_hash"]; leaked {
		t.Error("credential material in /me response")
	}
}

// Unknown email and wrong password must be indistinguishable.
func TestLoginUniformFailure(t *testing.T) {
	e := newTestEnv(t)
	e.registerPrincipal(t, "pat@school.test", "GHS")

	rec1, env1 := e.do(t, request{
		method: http.MethodPost, path: "/login",
		body: map[string]any{"email": "pat@school.test", "password": "wrong-password-1"},
	})
	rec2, env2 := e.do(t, request{
		method: http.MethodPost, path: "/login",
		body: map[string]any{"email": "nobody@school.test", "password": "wrong-password-1"},
	})

	if rec1.Code != http.StatusUnauthorized || rec2.Code != http.StatusUnauthorized {
		t.Fatalf("statuses = %d, %d, want 401, 401", rec1.Code, rec2.Code)
	}
	if env1.Message != env2.Message || env1.Code != env2.Code {
		t.Errorf("responses differ: %+v vs %+v", env1, env2)
	}
}

func TestLoginSuspendedSchool(t *testing.T) {
	e := newTestEnv(t)
	e.registerPrincipal(t, "pat@school.test", "GHS")
	e.registerUser(t, "sam@school.test", "student", "GHS")

	if err := e.store.Tenants().SetTenantActive(context.Background(), "GHS", false); err != nil {
		t.Fatal(err)
	}

	rec, env := e.do(t, request{
		method: http.MethodPost, path: "/login",
		body: map[string]any{"email": "sam@school.test", "password": testPassword},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if env.Code != campusauth.CodeTenantSuspended {
		t.Errorf("code = %q", env.Code)
	}
}

// ==================== LOCKOUT ====================

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	e := newTestEnv(t)
	e.registerPrincipal(t, "pat@school.test", "GHS")
	e.registerUser(t, "sam@school.test", "student", "GHS")

	// Four failures: still the generic error.
	for i := 0; i < 4; i++ {
		rec, env := e.do(t, request{
			method: http.MethodPost, path: "/login",
			body: map[string]any{"email": "sam@school.test", "password": "wrong-password"},
		})
		if rec.Code != http.StatusUnauthorized || env.Code != campusauth.CodeInvalidCredentials {
			t.Fatalf("attempt %d: status %d code %q", i+1, rec.Code, env.Code)
		}
	}

	// The fifth failure crosses the threshold inside the same request.
	rec, env := e.do(t, request{
		method: http.MethodPost, path: "/login",
		body: map[string]any{"email": "sam@school.test", "password": "wrong-password"},
	})
	if rec.Code != http.StatusForbidden || env.Code != campusauth.CodeAccountBlocked {
		t.Fatalf("fifth attempt: status %d code %q", rec.Code, env.Code)
	}

	// Blocked is terminal: the correct password no longer helps.
	rec, env = e.do(t, request{
		method: http.MethodPost, path: "/login",
		body: map[string]any{"email": "sam@school.test", "password": testPassword},
	})
	if rec.Code != http.StatusForbidden || env.Code != campusauth.CodeAccountBlocked {
		t.Fatalf("post-block login: status %d code %q", rec.Code, env.Code)
	}
}

func TestUnblockRestoresAccess(t *testing.T) {
	e := newTestEnv(t)
	e.registerPrincipal(t, "pat@school.test", "GHS")
	e.registerUser(t, "sam@school.test", "student", "GHS")

	for i := 0; i < 5; i++ {
		e.do(t, request{
			method: http.MethodPost, path: "/login",
			body: map[string]any{"email": "sam@school.test", "password": "wrong-password"},
		})
	}

	sam, err := e.store.Users().GetUserByEmailHash(context.Background(),
		crypto.HashWithPepper("sam@school.test", testSecrets().Pepper))
	if err != nil {
		t.Fatal(err)
	}
	if !sam.Blocked {
		t.Fatal("account not blocked after five failures")
	}

	principal := e.login(t, "pat@school.test", principalPW, "laptop-1")
	rec, _ := e.do(t, request{
		method: http.MethodPost, path: "/unblock/" + sam.ID,
		token: principal.accessToken, deviceID: "laptop-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unblock status = %d", rec.Code)
	}

	// Counter was reset along with the block.
	e.login(t, "sam@school.test", testPassword, "phone-1")
}

// ==================== TEACHER APPROVAL ====================

func TestTeacherApprovalFlow(t *testing.T) {
	e := newTestEnv(t)
	e.registerPrincipal(t, "pat@school.test", "GHS")
	e.registerUser(t, "terry@school.test", "teacher", "GHS")

	rec, env := e.do(t, request{
		method: http.MethodPost, path: "/login",
		body: map[string]any{"email": "terry@school.test", "password": testPassword},
	})
	if rec.Code != http.StatusForbidden || env.Code != campusauth.CodeNotApproved {
		t.Fatalf("unapproved teacher login: status %d code %q", rec.Code, env.Code)
	}

	terry, err := e.store.Users().GetUserByEmailHash(context.Background(),
		crypto.HashWithPepper("terry@school.test", testSecrets().Pepper))
	if err != nil {
		t.Fatal(err)
	}

	principal := e.login(t, "pat@school.test", principalPW, "laptop-1")
	rec, _ = e.do(t, request{
		method: http.MethodPost, path: "/approve/" + terry.ID,
		token: principal.accessToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body %s", rec.Code, rec.Body.String())
	}

	e.login(t, "terry@school.test", testPassword, "tablet-1")
}

func TestApproveDeniedForStudents(t *testing.T) {
	e := newTestEnv(t)
	e.registerPrincipal(t, "pat@school.test", "GHS")
	e.registerUser(t, "sam@school.test", "student", "GHS")
	e.registerUser(t, "terry@school.test", "teacher", "GHS")

	terry, err := e.store.Users().GetUserByEmailHash(context.Background(),
		crypto.HashWithPepper("terry@school.test", testSecrets().Pepper))
	if err != nil {
		t.Fatal(err)
	}

	sam := e.login(t, "sam@school.test", testPassword, "phone-1")
	rec, _ := e.do(t, request{
		method: http.MethodPost, path: "/approve/" + terry.ID,
		token: sam.accessToken,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("student approve status = %d, want 403", rec.Code)
	}
}

// ==================== RATE LIMITING ====================

func TestLoginRateLimit(t *testing.T) {
	e := newTestEnv(t, campusauth.WithRateLimits(campusauth.RateLimitConfig{
		LoginLimit:  3,
		LoginWindow: time.Minute,
	}))
	e.registerPrincipal(t, "pat@school.test", "GHS")

	for i := 0; i < 3; i++ {
		rec, _ := e.do(t, request{
			method: http.MethodPost, path: "/login",
			body: map[string]any{"email": "pat@school.test", "password": "wrong-password"},
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i+1, rec.Code)
		}
	}

	rec, env := e.do(t, request{
		method: http.MethodPost, path: "/login",
		body: map[string]any{"email": "pat@school.test", "password": "wrong-password"},
	})
	if rec.Code != http.StatusTooManyRequests || env.Code != campusauth.CodeRateLimited {
		t.Fatalf("status %d code %q, want 429 RATE_LIMITED", rec.Code, env.Code)
	}
}

// ==================== EMAIL VERIFICATION ====================

func TestEmailVerificationFlow(t *testing.T) {
	e := newTestEnv(t, campusauth.WithEmailVerification(true))
	e.registerPrincipal(t, "pat@school.test", "GHS")

	rec, _ := e.do(t, request{
		method: http.MethodPost, path: "/login",
		body: map[string]any{"email": "pat@school.test", "password": principalPW},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unverified login status = %d, want 403", rec.Code)
	}

	link := e.mailer.lastVerification(t)
	idx := strings.Index(link, "token=")
	if idx < 0 {
		t.Fatalf("no token in link %q", link)
	}
	token := link[idx+len("token="):]

	rec, _ = e.do(t, request{method: http.MethodGet, path: "/verify-email?token=" + token})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", rec.Code, rec.Body.String())
	}

	e.login(t, "pat@school.test", principalPW, "laptop-1")

	// The link is single use.
	rec, _ = e.do(t, request{method: http.MethodGet, path: "/verify-email?token=" + token})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reused link status = %d, want 400", rec.Code)
	}
}
