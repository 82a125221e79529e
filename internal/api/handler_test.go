package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/telecast-labs/inputbroker/internal/broker"
	"github.com/telecast-labs/inputbroker/internal/domain"
	"github.com/telecast-labs/inputbroker/internal/identity"
	"github.com/telecast-labs/inputbroker/internal/store"
)

type fakeBroker struct {
	mu           sync.Mutex
	providers    []domain.ProviderDescriptor
	availability map[string]bool
	refreshed    []domain.ScopeID
	switched     []domain.ScopeID
	removed      []domain.ScopeID

	// createFn lets a test script the creation outcome; the default is a
	// fixed token with no completion delivered.
	createFn     func(client broker.ClientHandle, providerID string, seq int32) (domain.SessionToken, error)
	released     []domain.SessionToken
	registered   []string
	unregistered []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{availability: make(map[string]bool)}
}

func (f *fakeBroker) releasedTokens() []domain.SessionToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SessionToken, len(f.released))
	copy(out, f.released)
	return out
}

func (f *fakeBroker) unregisteredProviders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.unregistered))
	copy(out, f.unregistered)
	return out
}

func (f *fakeBroker) ListProviders(_ context.Context, _ domain.ScopeID) []domain.ProviderDescriptor {
	return f.providers
}

func (f *fakeBroker) RefreshProviders(_ context.Context, scope domain.ScopeID) {
	f.refreshed = append(f.refreshed, scope)
}

func (f *fakeBroker) GetAvailability(providerID string, _ domain.ScopeID) bool {
	return f.availability[providerID]
}

func (f *fakeBroker) SwitchScope(_ context.Context, scope domain.ScopeID) {
	f.switched = append(f.switched, scope)
}

func (f *fakeBroker) RemoveScope(_ context.Context, scope domain.ScopeID) {
	f.removed = append(f.removed, scope)
}

func (f *fakeBroker) RegisterCallback(_ context.Context, _ broker.ClientHandle, providerID string, _ domain.ScopeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, providerID)
	return nil
}

func (f *fakeBroker) UnregisterCallback(_ context.Context, _ broker.ClientHandle, providerID string, _ domain.ScopeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, providerID)
	return nil
}

func (f *fakeBroker) CreateSession(_ context.Context, client broker.ClientHandle, providerID string, seq int32, _ domain.CallerID, _ domain.ScopeID) (domain.SessionToken, error) {
	if f.createFn != nil {
		return f.createFn(client, providerID, seq)
	}
	return "token-1", nil
}

func (f *fakeBroker) ReleaseSession(_ context.Context, token domain.SessionToken, _ domain.CallerID, _ domain.ScopeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, token)
	return nil
}

func (f *fakeBroker) Tune(context.Context, domain.SessionToken, domain.CallerID, domain.ScopeID, int64) error {
	return nil
}

func (f *fakeBroker) SetSurface(context.Context, domain.SessionToken, domain.CallerID, domain.ScopeID, string) error {
	return nil
}

func (f *fakeBroker) SetVolume(context.Context, domain.SessionToken, domain.CallerID, domain.ScopeID, float64) error {
	return nil
}

func (f *fakeBroker) CreateOverlayView(context.Context, domain.SessionToken, domain.CallerID, domain.ScopeID, string, domain.Rect) error {
	return nil
}

func (f *fakeBroker) RelayoutOverlayView(context.Context, domain.SessionToken, domain.CallerID, domain.ScopeID, domain.Rect) error {
	return nil
}

func (f *fakeBroker) RemoveOverlayView(context.Context, domain.SessionToken, domain.CallerID, domain.ScopeID) error {
	return nil
}

type fakeRepo struct {
	store.Repository

	history  []*domain.WatchEntry
	programs []*domain.Program
	pingErr  error
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }

func (f *fakeRepo) ListWatchHistory(_ context.Context, limit int) ([]*domain.WatchEntry, error) {
	if limit > len(f.history) {
		limit = len(f.history)
	}
	return f.history[:limit], nil
}

func (f *fakeRepo) UpsertProgram(_ context.Context, p *domain.Program) error {
	f.programs = append(f.programs, p)
	return nil
}

func injectIdentity(caller domain.CallerID, scope domain.ScopeID) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := identity.WithCaller(req.Context(), caller)
			ctx = identity.WithScope(ctx, scope)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func newTestRouter(h *Handler, caller domain.CallerID, scope domain.ScopeID) http.Handler {
	r := chi.NewRouter()
	r.Use(injectIdentity(caller, scope))
	h.RegisterRoutes(r)
	return r
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestListProvidersIncludesAvailability(t *testing.T) {
	fb := newFakeBroker()
	fb.providers = []domain.ProviderDescriptor{
		{ID: "hdmi-1", Name: "HDMI 1"},
		{ID: "tuner-1", Name: "Tuner"},
	}
	fb.availability["hdmi-1"] = true

	router := newTestRouter(NewHandler(fb, &fakeRepo{}), "caller-a", "scope-0")
	rec := doRequest(t, router, http.MethodGet, "/api/providers", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Providers []providerResponse `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Providers) != 2 {
		t.Fatalf("got %d providers, want 2", len(resp.Providers))
	}
	for _, p := range resp.Providers {
		want := p.ID == "hdmi-1"
		if p.Available != want {
			t.Errorf("provider %s available = %v, want %v", p.ID, p.Available, want)
		}
	}
}

func TestGetAvailability(t *testing.T) {
	fb := newFakeBroker()
	fb.availability["hdmi-1"] = true
	router := newTestRouter(NewHandler(fb, &fakeRepo{}), "caller-a", "scope-0")

	rec := doRequest(t, router, http.MethodGet, "/api/providers/hdmi-1/availability", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		ProviderID string `json:"provider_id"`
		Available  bool   `json:"available"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ProviderID != "hdmi-1" || !resp.Available {
		t.Fatalf("got %+v", resp)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/providers/unknown/availability", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Available {
		t.Fatal("unknown provider must report unavailable")
	}
}

func TestRefreshProviders(t *testing.T) {
	fb := newFakeBroker()
	router := newTestRouter(NewHandler(fb, &fakeRepo{}), "caller-a", "scope-7")

	rec := doRequest(t, router, http.MethodPost, "/api/providers/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(fb.refreshed) != 1 || fb.refreshed[0] != "scope-7" {
		t.Fatalf("refreshed = %v, want [scope-7]", fb.refreshed)
	}
}

func TestListHistory(t *testing.T) {
	now := time.Now()
	repo := &fakeRepo{history: []*domain.WatchEntry{
		{ID: 2, ChannelID: 5, WatchStart: now, Title: "News"},
		{ID: 1, ChannelID: 5, WatchStart: now.Add(-time.Hour), WatchEnd: now},
	}}
	router := newTestRouter(NewHandler(newFakeBroker(), repo), "caller-a", "scope-0")

	rec := doRequest(t, router, http.MethodGet, "/api/history?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Entries []watchEntryResponse `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].ID != 2 {
		t.Fatalf("entries = %+v", resp.Entries)
	}
	if resp.Entries[0].WatchEnd != nil {
		t.Fatal("open entry must omit watch_end")
	}

	rec = doRequest(t, router, http.MethodGet, "/api/history?limit=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUpsertProgram(t *testing.T) {
	repo := &fakeRepo{}
	router := newTestRouter(NewHandler(newFakeBroker(), repo), "caller-a", "scope-0")

	body := `{"channel_id":5,"title":"Evening News","start_time":"2026-08-29T18:00:00Z","end_time":"2026-08-29T19:00:00Z"}`
	rec := doRequest(t, router, http.MethodPut, "/api/programs", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(repo.programs) != 1 || repo.programs[0].Title != "Evening News" {
		t.Fatalf("programs = %+v", repo.programs)
	}

	// Window end must be after start.
	bad := `{"channel_id":5,"title":"x","start_time":"2026-08-29T19:00:00Z","end_time":"2026-08-29T18:00:00Z"}`
	rec = doRequest(t, router, http.MethodPut, "/api/programs", bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestScopeAdministrationRequiresSystemCaller(t *testing.T) {
	fb := newFakeBroker()
	router := newTestRouter(NewHandler(fb, &fakeRepo{}), "caller-a", "scope-0")

	rec := doRequest(t, router, http.MethodPost, "/api/scopes/current", `{"scope_id":"user-2"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("switch status = %d, want 403", rec.Code)
	}
	rec = doRequest(t, router, http.MethodDelete, "/api/scopes/user-2", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remove status = %d, want 403", rec.Code)
	}
	if len(fb.switched) != 0 || len(fb.removed) != 0 {
		t.Fatal("broker must not be touched on forbidden requests")
	}
}

func TestScopeAdministrationAsSystem(t *testing.T) {
	fb := newFakeBroker()
	router := newTestRouter(NewHandler(fb, &fakeRepo{}), domain.SystemCaller, "scope-0")

	rec := doRequest(t, router, http.MethodPost, "/api/scopes/current", `{"scope_id":"user-2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("switch status = %d, want 200", rec.Code)
	}
	if len(fb.switched) != 1 || fb.switched[0] != "user-2" {
		t.Fatalf("switched = %v, want [user-2]", fb.switched)
	}

	rec = doRequest(t, router, http.MethodDelete, "/api/scopes/user-2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("remove status = %d, want 200", rec.Code)
	}
	if len(fb.removed) != 1 || fb.removed[0] != "user-2" {
		t.Fatalf("removed = %v, want [user-2]", fb.removed)
	}
}

func TestStatusReflectsDatabaseHealth(t *testing.T) {
	router := newTestRouter(NewHandler(newFakeBroker(), &fakeRepo{}), "caller-a", "scope-0")
	rec := doRequest(t, router, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	router = newTestRouter(NewHandler(newFakeBroker(), &fakeRepo{pingErr: context.DeadlineExceeded}), "caller-a", "scope-0")
	rec = doRequest(t, router, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
