package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/telecast-labs/inputbroker/internal/domain"
)

const testSystemToken = "sys-secret"

func TestMiddlewareAssignsAnonymousIdentity(t *testing.T) {
	var gotCaller domain.CallerID
	var gotScope domain.ScopeID
	h := Middleware(testSystemToken, "scope-0", true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller = CallerFromContext(r.Context())
		gotScope = ScopeFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/providers", nil))

	if gotCaller == "" {
		t.Fatal("expected an anonymous caller id")
	}
	if !isValidAnonID(string(gotCaller)) {
		t.Fatalf("caller id %q does not match anon format", gotCaller)
	}
	if gotScope != "scope-0" {
		t.Fatalf("scope = %q, want default scope-0", gotScope)
	}

	cookies := rec.Result().Cookies()
	var found bool
	for _, c := range cookies {
		if c.Name == AnonCookieName && c.Value == string(gotCaller) {
			found = true
		}
	}
	if !found {
		t.Fatal("anon cookie was not set")
	}
}

func TestMiddlewareReusesCookieIdentity(t *testing.T) {
	h := Middleware(testSystemToken, "scope-0", true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	first := rec.Result().Cookies()[0]

	var second domain.CallerID
	h2 := Middleware(testSystemToken, "scope-0", true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		second = CallerFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(first)
	h2.ServeHTTP(httptest.NewRecorder(), req)

	if string(second) != first.Value {
		t.Fatalf("caller = %q, want cookie identity %q", second, first.Value)
	}
}

func TestSystemTokenGrantsSystemCaller(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SystemTokenHeader, testSystemToken)

	if got := CallerFromRequest(req, testSystemToken); got != domain.SystemCaller {
		t.Fatalf("caller = %q, want system", got)
	}
}

func TestWrongSystemTokenFallsThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SystemTokenHeader, "nope")
	req.Header.Set(CallerHeaderName, "caller-a")

	if got := CallerFromRequest(req, testSystemToken); got != "caller-a" {
		t.Fatalf("caller = %q, want caller-a", got)
	}
}

func TestHeaderCannotClaimSystemIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CallerHeaderName, string(domain.SystemCaller))

	if got := CallerFromRequest(req, testSystemToken); got == domain.SystemCaller {
		t.Fatal("plain header must not grant system identity")
	}
}

func TestScopeFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ScopeHeaderName, "user-7")
	if got := ScopeFromRequest(req, "scope-0"); got != "user-7" {
		t.Fatalf("scope = %q, want user-7", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/?scope=user-8", nil)
	if got := ScopeFromRequest(req, "scope-0"); got != "user-8" {
		t.Fatalf("scope = %q, want user-8", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ScopeHeaderName, "bad scope!!")
	if got := ScopeFromRequest(req, "scope-0"); got != "scope-0" {
		t.Fatalf("scope = %q, want fallback scope-0", got)
	}
}
