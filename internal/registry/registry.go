package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Health is a render server's availability state.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDraining    Health = "draining"
	HealthUnreachable Health = "unreachable"
)

var (
	ErrDuplicateServer = errors.New("server already registered")
	ErrUnknownServer   = errors.New("unknown server")
	// ErrReleaseUnderflow flags a release with no matching reservation. The
	// load is clamped at zero; the error exists so callers can log the bug.
	ErrReleaseUnderflow = errors.New("capacity release underflow")
)

// Server is a point-in-time snapshot of a registered render server.
type Server struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr,omitempty"`
	MaxCapacity int       `json:"max_capacity"`
	Load        int       `json:"load"`
	Health      Health    `json:"health"`
	LastSeen    time.Time `json:"last_seen"`
}

type serverEntry struct {
	mu          sync.Mutex
	id          string
	addr        string
	maxCapacity int
	load        int
	health      Health
	lastSeen    time.Time
}

func (e *serverEntry) snapshot() Server {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Server{ID: e.id, Addr: e.addr, MaxCapacity: e.maxCapacity, Load: e.load, Health: e.health, LastSeen: e.lastSeen}
}

// Registry tracks render servers and their reserved capacity. The outer lock
// only guards the server map; load and status mutations take the per-server
// mutex, so reservations on distinct servers never serialize against each
// other.
type Registry struct {
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	servers map[string]*serverEntry
}

func New(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		servers: make(map[string]*serverEntry),
	}
}

// Register adds a server with zero load.
func (r *Registry) Register(serverID string, maxCapacity int, addr string) error {
	if maxCapacity <= 0 {
		return errors.New("max capacity must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[serverID]; exists {
		return ErrDuplicateServer
	}
	r.servers[serverID] = &serverEntry{
		id:          serverID,
		addr:        addr,
		maxCapacity: maxCapacity,
		health:      HealthHealthy,
		lastSeen:    r.now(),
	}
	return nil
}

// Remove deletes a server from the registry.
func (r *Registry) Remove(serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[serverID]; !exists {
		return ErrUnknownServer
	}
	delete(r.servers, serverID)
	return nil
}

// Heartbeat refreshes the server's liveness timestamp. A heartbeat from an
// unreachable server restores it to healthy.
func (r *Registry) Heartbeat(serverID string) error {
	entry, err := r.entry(serverID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.lastSeen = r.now()
	if entry.health == HealthUnreachable {
		entry.health = HealthHealthy
	}
	return nil
}

// TryReserve atomically takes one capacity slot. It reports false when the
// server is full or not healthy.
func (r *Registry) TryReserve(serverID string) (bool, error) {
	entry, err := r.entry(serverID)
	if err != nil {
		return false, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.health != HealthHealthy || entry.load >= entry.maxCapacity {
		return false, nil
	}
	entry.load++
	return true, nil
}

// Release returns one capacity slot. Releasing below zero is a logic error:
// the load is clamped and ErrReleaseUnderflow returned.
func (r *Registry) Release(serverID string) error {
	entry, err := r.entry(serverID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.load == 0 {
		r.logger.Error().Str("server_id", serverID).Msg("capacity release underflow")
		return ErrReleaseUnderflow
	}
	entry.load--
	return nil
}

// LeastLoadedHealthy returns the healthy server with spare capacity and the
// lowest load-to-capacity ratio. Ties break on the lowest server ID.
func (r *Registry) LeastLoadedHealthy() (Server, bool) {
	candidates := r.Candidates()
	if len(candidates) == 0 {
		return Server{}, false
	}
	return candidates[0], true
}

// Candidates returns all healthy servers with spare capacity, ordered by
// load-to-capacity ratio then by server ID.
func (r *Registry) Candidates() []Server {
	all := r.Snapshot()
	candidates := all[:0]
	for _, s := range all {
		if s.Health == HealthHealthy && s.Load < s.MaxCapacity {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri := float64(candidates[i].Load) / float64(candidates[i].MaxCapacity)
		rj := float64(candidates[j].Load) / float64(candidates[j].MaxCapacity)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates
}

// MarkDraining excludes the server from placement; existing sessions run to
// completion.
func (r *Registry) MarkDraining(serverID string) error {
	return r.setHealth(serverID, HealthDraining)
}

// MarkUnreachable excludes the server from placement until a heartbeat
// restores it.
func (r *Registry) MarkUnreachable(serverID string) error {
	return r.setHealth(serverID, HealthUnreachable)
}

// MarkStale flags healthy servers whose last heartbeat is older than maxAge
// as unreachable and returns their snapshots.
func (r *Registry) MarkStale(maxAge time.Duration) []Server {
	cutoff := r.now().Add(-maxAge)
	var stale []Server
	for _, entry := range r.entries() {
		entry.mu.Lock()
		if entry.health == HealthHealthy && entry.lastSeen.Before(cutoff) {
			entry.health = HealthUnreachable
			stale = append(stale, Server{ID: entry.id, Addr: entry.addr, MaxCapacity: entry.maxCapacity, Load: entry.load, Health: entry.health, LastSeen: entry.lastSeen})
		}
		entry.mu.Unlock()
	}
	return stale
}

// Lookup returns a snapshot of a single server.
func (r *Registry) Lookup(serverID string) (Server, error) {
	entry, err := r.entry(serverID)
	if err != nil {
		return Server{}, err
	}
	return entry.snapshot(), nil
}

// Snapshot returns all servers ordered by ID.
func (r *Registry) Snapshot() []Server {
	entries := r.entries()
	servers := make([]Server, 0, len(entries))
	for _, entry := range entries {
		servers = append(servers, entry.snapshot())
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers
}

func (r *Registry) setHealth(serverID string, health Health) error {
	entry, err := r.entry(serverID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.health = health
	return nil
}

func (r *Registry) entry(serverID string) (*serverEntry, error) {
	r.mu.RLock()
	entry, ok := r.servers[serverID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownServer
	}
	return entry, nil
}

func (r *Registry) entries() []*serverEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*serverEntry, 0, len(r.servers))
	for _, entry := range r.servers {
		entries = append(entries, entry)
	}
	return entries
}
