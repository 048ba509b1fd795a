package placement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stream-matchmaker/stream-matchmaker/internal/registry"
	"github.com/stream-matchmaker/stream-matchmaker/internal/store"
	"github.com/stream-matchmaker/stream-matchmaker/internal/testutil"
)

type fakeTerminator struct {
	store store.Store
}

func (f *fakeTerminator) Terminate(ctx context.Context, sessionID, _ string) (store.Session, error) {
	session, _, err := f.store.Transition(ctx, sessionID,
		[]store.Status{store.StatusPending, store.StatusActive, store.StatusExpiring},
		store.StatusTerminated, time.Now().UTC())
	return session, err
}

type fixedParser struct{ userID string }

func (f fixedParser) ParseToken(string) (string, error) { return f.userID, nil }

func newTestMux(t *testing.T, engine *Engine, sessions store.Store) *http.ServeMux {
	t.Helper()
	h := NewHandler(engine, &fakeTerminator{store: sessions}, fixedParser{userID: "u-1"})
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func TestPlaceEndpointRequiresBearerToken(t *testing.T) {
	t.Parallel()
	reg := registry.New(zerolog.Nop())
	sessions := store.NewMemoryStore()
	engine := newTestEngine(reg, sessions, nil, nil)
	mux := newTestMux(t, engine, sessions)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	res := httptest.NewRecorder()
	mux.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", res.Code)
	}
}

func TestPlaceEndpointHappyPath(t *testing.T) {
	t.Parallel()
	reg := registry.New(zerolog.Nop())
	if err := reg.Register("srv-1", 4, "10.0.0.9:7777"); err != nil {
		t.Fatal(err)
	}
	sessions := store.NewMemoryStore()
	engine := newTestEngine(reg, sessions, nil, nil)
	mux := newTestMux(t, engine, sessions)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+testutil.MustToken(t, "u-1"))
	res := httptest.NewRecorder()
	mux.ServeHTTP(res, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", res.Code, res.Body.String())
	}

	var assignment Assignment
	if err := json.Unmarshal(res.Body.Bytes(), &assignment); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if assignment.Session.UserID != "u-1" || assignment.ServerAddr != "10.0.0.9:7777" {
		t.Fatalf("unexpected assignment %+v", assignment)
	}

	// Second placement for the same user is a 409.
	res2 := httptest.NewRecorder()
	mux.ServeHTTP(res2, req.Clone(context.Background()))
	if res2.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", res2.Code)
	}
}

func TestPlaceEndpointCapacityExhausted(t *testing.T) {
	t.Parallel()
	reg := registry.New(zerolog.Nop())
	sessions := store.NewMemoryStore()
	engine := newTestEngine(reg, sessions, nil, nil)
	mux := newTestMux(t, engine, sessions)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer token")
	res := httptest.NewRecorder()
	mux.ServeHTTP(res, req)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", res.Code)
	}
}

func TestSessionRoutes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.New(zerolog.Nop())
	if err := reg.Register("srv-1", 4, ""); err != nil {
		t.Fatal(err)
	}
	sessions := store.NewMemoryStore()
	engine := newTestEngine(reg, sessions, nil, nil)
	mux := newTestMux(t, engine, sessions)

	assignment, err := engine.PlaceSession(ctx, "u-1", "")
	if err != nil {
		t.Fatal(err)
	}
	sessionID := assignment.Session.ID

	get := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+sessionID, nil)
	get.Header.Set("Authorization", "Bearer token")
	res := httptest.NewRecorder()
	mux.ServeHTTP(res, get)
	if res.Code != http.StatusOK {
		t.Fatalf("get: expected 200 got %d", res.Code)
	}

	activity := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sessionID+"/activity", nil)
	activity.Header.Set("Authorization", "Bearer token")
	res = httptest.NewRecorder()
	mux.ServeHTTP(res, activity)
	if res.Code != http.StatusNoContent {
		t.Fatalf("activity: expected 204 got %d", res.Code)
	}

	disconnect := httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+sessionID, nil)
	disconnect.Header.Set("Authorization", "Bearer token")
	res = httptest.NewRecorder()
	mux.ServeHTTP(res, disconnect)
	if res.Code != http.StatusOK {
		t.Fatalf("disconnect: expected 200 got %d: %s", res.Code, res.Body.String())
	}
	var body map[string]store.Session
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["session"].Status != store.StatusTerminated {
		t.Fatalf("expected terminated, got %s", body["session"].Status)
	}

	missing := httptest.NewRequest(http.MethodGet, "/v1/sessions/nope", nil)
	missing.Header.Set("Authorization", "Bearer token")
	res = httptest.NewRecorder()
	mux.ServeHTTP(res, missing)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", res.Code)
	}
}

func TestSessionRoutesEnforceOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.New(zerolog.Nop())
	if err := reg.Register("srv-1", 4, ""); err != nil {
		t.Fatal(err)
	}
	sessions := store.NewMemoryStore()
	engine := newTestEngine(reg, sessions, nil, nil)

	assignment, err := engine.PlaceSession(ctx, "u-2", "")
	if err != nil {
		t.Fatal(err)
	}

	// Handler authenticates as u-1; u-2's session must be off limits.
	mux := newTestMux(t, engine, sessions)
	get := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+assignment.Session.ID, nil)
	get.Header.Set("Authorization", "Bearer token")
	res := httptest.NewRecorder()
	mux.ServeHTTP(res, get)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", res.Code)
	}
}
