package placement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stream-matchmaker/stream-matchmaker/internal/contracts"
	"github.com/stream-matchmaker/stream-matchmaker/internal/registry"
	"github.com/stream-matchmaker/stream-matchmaker/internal/store"
)

var testPolicy = Policy{
	MaxDuration:      30 * time.Minute,
	IdleTimeout:      10 * time.Minute,
	ProvisionTimeout: 200 * time.Millisecond,
	ReserveAttempts:  3,
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

type published struct {
	subject string
	data    []byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakePublisher) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.subject
	}
	return out
}

type fakeProvisioner struct {
	server ProvisionedServer
	err    error
	calls  int
}

func (f *fakeProvisioner) RequestServer(ctx context.Context) (ProvisionedServer, error) {
	f.calls++
	if f.err != nil {
		return ProvisionedServer{}, f.err
	}
	select {
	case <-ctx.Done():
		return ProvisionedServer{}, ctx.Err()
	default:
	}
	return f.server, nil
}

func newTestEngine(reg *registry.Registry, sessions store.Store, provisioner Provisioner, publisher Publisher) *Engine {
	return NewEngine(reg, sessions, provisioner, publisher, zerolog.Nop(), testPolicy)
}

func TestPlaceSessionHappyPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.New(zerolog.Nop())
	if err := reg.Register("srv-1", 4, "10.0.0.9:7777"); err != nil {
		t.Fatal(err)
	}
	sessions := store.NewMemoryStore()
	publisher := &fakePublisher{}
	engine := newTestEngine(reg, sessions, nil, publisher)
	engine.now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }

	assignment, err := engine.PlaceSession(ctx, "u-1", "corr-1")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if assignment.Session.Status != store.StatusActive {
		t.Fatalf("expected active session, got %s", assignment.Session.Status)
	}
	if assignment.Session.ServerID != "srv-1" || assignment.ServerAddr != "10.0.0.9:7777" {
		t.Fatalf("unexpected assignment %+v", assignment)
	}
	// Idle timeout is shorter than max duration so it sets the deadline.
	wantDeadline := engine.now().Add(testPolicy.IdleTimeout)
	if !assignment.Session.Deadline.Equal(wantDeadline) {
		t.Fatalf("expected deadline %v, got %v", wantDeadline, assignment.Session.Deadline)
	}

	srv, _ := reg.Lookup("srv-1")
	if srv.Load != 1 {
		t.Fatalf("expected load 1, got %d", srv.Load)
	}
	subjects := publisher.subjects()
	if len(subjects) != 1 || subjects[0] != contracts.SubjectSessionPlaced {
		t.Fatalf("unexpected events %v", subjects)
	}
}

func TestPlaceSessionRejectsSecondForUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.New(zerolog.Nop())
	if err := reg.Register("srv-1", 4, ""); err != nil {
		t.Fatal(err)
	}
	engine := newTestEngine(reg, store.NewMemoryStore(), nil, nil)

	if _, err := engine.PlaceSession(ctx, "u-1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.PlaceSession(ctx, "u-1", ""); !errors.Is(err, ErrAlreadyActiveSession) {
		t.Fatalf("expected ErrAlreadyActiveSession, got %v", err)
	}
	srv, _ := reg.Lookup("srv-1")
	if srv.Load != 1 {
		t.Fatalf("rejected placement must not hold a slot, load=%d", srv.Load)
	}
}

func TestConcurrentPlacementsRespectCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.New(zerolog.Nop())
	if err := reg.Register("srv-1", 4, ""); err != nil {
		t.Fatal(err)
	}
	engine := newTestEngine(reg, store.NewMemoryStore(), nil, nil)

	const users = 5
	var wg sync.WaitGroup
	errs := make([]error, users)
	for i := 0; i < users; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = engine.PlaceSession(ctx, userID(i), "")
		}()
	}
	wg.Wait()

	succeeded, exhausted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrCapacityExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 4 || exhausted != 1 {
		t.Fatalf("expected 4 placements and 1 rejection, got %d/%d", succeeded, exhausted)
	}
	srv, _ := reg.Lookup("srv-1")
	if srv.Load != 4 {
		t.Fatalf("expected load 4, got %d", srv.Load)
	}
}

func TestSaturatedFleetTriggersProvisioning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.New(zerolog.Nop())
	provisioner := &fakeProvisioner{server: ProvisionedServer{ID: "srv-new", MaxCapacity: 4, Addr: "10.0.0.10:7777"}}
	publisher := &fakePublisher{}
	engine := newTestEngine(reg, store.NewMemoryStore(), provisioner, publisher)

	assignment, err := engine.PlaceSession(ctx, "u-1", "")
	if err != nil {
		t.Fatalf("place with provisioning: %v", err)
	}
	if assignment.Session.ServerID != "srv-new" {
		t.Fatalf("expected provisioned server, got %s", assignment.Session.ServerID)
	}
	if provisioner.calls != 1 {
		t.Fatalf("expected 1 provision call, got %d", provisioner.calls)
	}
	srv, err := reg.Lookup("srv-new")
	if err != nil || srv.Load != 1 {
		t.Fatalf("provisioned server not registered with load 1: %+v err=%v", srv, err)
	}
}

func TestProvisioningUnavailableSurfacesCapacityExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.New(zerolog.Nop())
	provisioner := &fakeProvisioner{err: ErrProvisionUnavailable}
	engine := newTestEngine(reg, store.NewMemoryStore(), provisioner, nil)

	_, err := engine.PlaceSession(ctx, "u-1", "")
	if !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
}

type blockingPutStore struct {
	*store.MemoryStore
}

func (b *blockingPutStore) Put(ctx context.Context, _ store.Session) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCancellationReleasesReservation(t *testing.T) {
	t.Parallel()
	reg := registry.New(zerolog.Nop())
	if err := reg.Register("srv-1", 4, ""); err != nil {
		t.Fatal(err)
	}
	sessions := &blockingPutStore{MemoryStore: store.NewMemoryStore()}
	engine := newTestEngine(reg, sessions, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := engine.PlaceSession(ctx, "u-1", "")
		done <- err
	}()

	// Let the placement take its reservation, then pull the plug.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv, _ := reg.Lookup("srv-1"); srv.Load == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	srv, _ := reg.Lookup("srv-1")
	if srv.Load != 0 {
		t.Fatalf("canceled placement leaked a slot, load=%d", srv.Load)
	}
}

func TestTouchRefreshesIdleDeadline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.New(zerolog.Nop())
	if err := reg.Register("srv-1", 4, ""); err != nil {
		t.Fatal(err)
	}
	sessions := store.NewMemoryStore()
	engine := newTestEngine(reg, sessions, nil, nil)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return base }

	assignment, err := engine.PlaceSession(ctx, "u-1", "")
	if err != nil {
		t.Fatal(err)
	}

	engine.now = func() time.Time { return base.Add(5 * time.Minute) }
	if err := engine.Touch(ctx, assignment.Session.ID, "u-1"); err != nil {
		t.Fatal(err)
	}
	refreshed, err := sessions.Get(ctx, assignment.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := base.Add(5*time.Minute + testPolicy.IdleTimeout)
	if !refreshed.Deadline.Equal(want) {
		t.Fatalf("expected deadline %v, got %v", want, refreshed.Deadline)
	}

	if err := engine.Touch(ctx, assignment.Session.ID, "u-2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestDeadlineClampedByMaxDuration(t *testing.T) {
	t.Parallel()
	reg := registry.New(zerolog.Nop())
	engine := newTestEngine(reg, store.NewMemoryStore(), nil, nil)
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// Activity near the end of life cannot push past the hard cutoff.
	late := created.Add(25 * time.Minute)
	if got := engine.deadlineFrom(created, late); !got.Equal(created.Add(testPolicy.MaxDuration)) {
		t.Fatalf("expected hard cutoff, got %v", got)
	}
	if got := engine.deadlineFrom(created, created); !got.Equal(created.Add(testPolicy.IdleTimeout)) {
		t.Fatalf("expected idle cutoff, got %v", got)
	}
}

func userID(i int) string {
	return string(rune('a'+i)) + "-user"
}
