// Package state keeps the coverage of imported targets: which hosts and
// ports have been engaged by traffic from this machine.
package state

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/berylliumsec/nebula-watcher/internal/model"
)

// Host is the coverage of a single target IP.
type Host struct {
	Connection model.Status            `json:"connection"`
	Ports      map[string]model.Status `json:"ports"`
}

// Coverage maps target IP to its Host coverage.
type Coverage map[string]Host

// Clone returns a deep copy.
func (c Coverage) Clone() Coverage {
	ret := make(Coverage, len(c))
	for ip, h := range c {
		ports := make(map[string]model.Status, len(h.Ports))
		maps.Copy(ports, h.Ports)
		ret[ip] = Host{Connection: h.Connection, Ports: ports}
	}
	return ret
}

// Backend persists the whole Coverage. Load of a record which does not
// exist returns an empty Coverage and no error.
type Backend interface {
	Load(ctx context.Context) (Coverage, error)
	Save(ctx context.Context, cov Coverage) error
	Clear(ctx context.Context) error
}

// Open returns the backend configured in cfg.
func Open(cfg model.Config) (Backend, error) {
	switch cfg.State.Backend {
	case "", model.BackendJSON:
		return NewJSONFile(cfg.StatePath()), nil
	case model.BackendSQLite:
		return NewSQLite(cfg.StatePath()), nil
	default:
		return nil, fmt.Errorf("unsupported state backend %q", cfg.State.Backend)
	}
}

// Store is the in-memory Coverage backed by a persistent Backend. Statuses
// only ever go from NotEngaged to Engaged.
type Store struct {
	mx       sync.Mutex
	backend  Backend
	coverage Coverage
}

func New(backend Backend) *Store {
	return &Store{
		backend:  backend,
		coverage: make(Coverage),
	}
}

// Load reads the persisted coverage and merges it into memory. Entries
// engaged in either of them stay engaged.
func (s *Store) Load(ctx context.Context) error {
	cov, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	for ip, h := range cov {
		cur := s.host(ip)
		cur.Connection = max(cur.Connection, h.Connection)
		for port, st := range h.Ports {
			cur.Ports[port] = max(cur.Ports[port], st)
		}
		s.coverage[ip] = cur
	}
	return nil
}

// Merge backfills every IP and port of targets missing in the coverage as
// NotEngaged. It reports whether an entry was added.
func (s *Store) Merge(targets []model.Target) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	var added bool
	for _, t := range targets {
		if _, ok := s.coverage[t.IP]; !ok {
			added = true
		}
		h := s.host(t.IP)
		for _, port := range t.Ports {
			if _, ok := h.Ports[port]; !ok {
				h.Ports[port] = model.NotEngaged
				added = true
			}
		}
		s.coverage[t.IP] = h
	}
	return added
}

// MarkEngaged marks the IP and its port as Engaged. It reports whether the
// call changed anything.
func (s *Store) MarkEngaged(ip, port string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	h := s.host(ip)
	changed := h.Connection != model.Engaged || h.Ports[port] != model.Engaged
	h.Connection = model.Engaged
	h.Ports[port] = model.Engaged
	s.coverage[ip] = h
	return changed
}

// Save writes the whole coverage to the backend.
func (s *Store) Save(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.backend.Save(ctx, s.coverage); err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	return nil
}

// Clear removes the persisted coverage and starts over with an empty one.
func (s *Store) Clear(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("clearing state: %w", err)
	}
	s.coverage = make(Coverage)
	return nil
}

// Snapshot returns a copy of the current coverage.
func (s *Store) Snapshot() Coverage {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.coverage.Clone()
}

// Status returns the status of a port, or of the IP itself when port is
// empty. The second value is false for unknown entries.
func (s *Store) Status(ip, port string) (model.Status, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	h, ok := s.coverage[ip]
	if !ok {
		return model.NotEngaged, false
	}
	if port == "" {
		return h.Connection, true
	}
	st, ok := h.Ports[port]
	return st, ok
}

// host returns the entry for ip or a new NotEngaged one. The caller must
// hold the lock and store the result back.
func (s *Store) host(ip string) Host {
	h, ok := s.coverage[ip]
	if !ok {
		h = Host{Connection: model.NotEngaged}
	}
	if h.Ports == nil {
		h.Ports = make(map[string]model.Status)
	}
	return h
}
