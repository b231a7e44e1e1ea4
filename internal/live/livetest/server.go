// Package livetest provides an in-memory live.Server for tests. It keeps
// entities in a map, records every call, enforces parent/child integrity
// and can be told to fail, panic or block on chosen operations.
package livetest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dsconverge/dsconverge/internal/live"
	"github.com/dsconverge/dsconverge/internal/schema"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// ErrOfflineWhileRunning is returned when an offline field is modified on a
// running instance.
var ErrOfflineWhileRunning = errors.New("livetest: offline field modified while instance running")

// Server is an in-memory live.Server. The zero value is not usable; call
// New.
type Server struct {
	mu       sync.Mutex
	entities map[tree.Path]map[string]schema.Value
	running  map[string]bool
	calls    []string
	failures map[string]error
	panics   map[string]bool

	// Delay is slept inside every mutating call, to widen race windows in
	// concurrency tests.
	Delay time.Duration

	active     map[string]int // instance -> in-flight mutating calls
	inFlight   int
	maxTotal   int
	maxPerInst int
}

var _ live.Server = (*Server)(nil)

// New returns an empty server.
func New() *Server {
	return &Server{
		entities: make(map[tree.Path]map[string]schema.Value),
		running:  make(map[string]bool),
		failures: make(map[string]error),
		panics:   make(map[string]bool),
		active:   make(map[string]int),
	}
}

// Seed stores every entity of t as-is. Instances are marked running unless
// their started field is false.
func (s *Server) Seed(t *tree.Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p, e := range t.Walk() {
		fields := schema.CloneFields(e.Fields)

		if p.Kind == schema.KindInstance {
			started, ok := fields["started"]
			s.running[p.Instance] = !ok || started.Bool()
		}

		delete(fields, "started")
		s.entities[p] = fields
	}
}

// FailOn makes the named operation ("create", "modify", "delete",
// "quiesce", "resume", "query") on path fail with err.
func (s *Server) FailOn(op string, p tree.Path, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[op+" "+p.String()] = err
}

// PanicOn makes the named operation on path panic.
func (s *Server) PanicOn(op string, p tree.Path) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.panics[op+" "+p.String()] = true
}

// Calls returns the log of calls made so far, e.g. "create i1.userroot".
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.calls)
}

// Running reports whether instance is running.
func (s *Server) Running(instance string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running[instance]
}

// Has reports whether an entity exists at p.
func (s *Server) Has(p tree.Path) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entities[p]

	return ok
}

// MaxConcurrency returns the peak number of mutating calls in flight
// overall and against any single instance.
func (s *Server) MaxConcurrency() (total, perInstance int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.maxTotal, s.maxPerInst
}

// begin records a call and returns the injected failure, if any. The
// caller must call the returned func when done.
func (s *Server) begin(op string, p tree.Path) (func(), error) {
	key := op + " " + p.String()

	s.mu.Lock()
	s.calls = append(s.calls, key)
	s.inFlight++
	s.active[p.Instance]++
	s.maxTotal = max(s.maxTotal, s.inFlight)
	s.maxPerInst = max(s.maxPerInst, s.active[p.Instance])
	err := s.failures[key]
	shouldPanic := s.panics[key]
	s.mu.Unlock()

	done := func() {
		s.mu.Lock()
		s.inFlight--
		s.active[p.Instance]--
		s.mu.Unlock()
	}

	if shouldPanic {
		done()
		panic("livetest: injected panic on " + key)
	}

	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}

	return done, err
}

// CreateEntity implements live.Server.
func (s *Server) CreateEntity(ctx context.Context, p tree.Path, fields map[string]schema.Value) error {
	done, err := s.begin("create", p)
	defer done()

	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if parent, ok := p.Parent(); ok {
		if _, exists := s.entities[parent]; !exists {
			return fmt.Errorf("livetest: create %s: parent %s missing", p, parent)
		}
	}

	if _, exists := s.entities[p]; exists {
		return fmt.Errorf("livetest: create %s: already exists", p)
	}

	stored := make(map[string]schema.Value, len(fields))

	for name, v := range fields {
		if f, ok := schema.Lookup(p.Kind, name); ok && f.CreateOnly {
			continue
		}

		stored[name] = v
	}

	delete(stored, "started")
	s.entities[p] = stored

	if p.Kind == schema.KindInstance {
		s.running[p.Instance] = false
	}

	return nil
}

// ModifyEntity implements live.Server.
func (s *Server) ModifyEntity(ctx context.Context, p tree.Path, delta map[string]schema.Value) error {
	done, err := s.begin("modify", p)
	defer done()

	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entities[p]
	if !ok {
		return fmt.Errorf("livetest: modify %s: %w", p, live.ErrNotFound)
	}

	for name := range delta {
		if f, ok := schema.Lookup(p.Kind, name); ok && f.Offline && s.running[p.Instance] {
			return fmt.Errorf("livetest: modify %s field %s: %w", p, name, ErrOfflineWhileRunning)
		}
	}

	if p.Kind == schema.KindBackend && schema.ClearsReplicaID(delta) {
		delete(stored, "replicaid")
	}

	maps.Copy(stored, delta)
	delete(stored, "started")

	return nil
}

// DeleteEntity implements live.Server.
func (s *Server) DeleteEntity(ctx context.Context, p tree.Path) error {
	done, err := s.begin("delete", p)
	defer done()

	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[p]; !ok {
		return fmt.Errorf("livetest: delete %s: %w", p, live.ErrNotFound)
	}

	for other := range s.entities {
		if p.IsAncestorOf(other) {
			return fmt.Errorf("livetest: delete %s: child %s still present", p, other)
		}
	}

	delete(s.entities, p)

	if p.Kind == schema.KindInstance {
		delete(s.running, p.Instance)
	}

	return nil
}

// QueryEntity implements live.Server.
func (s *Server) QueryEntity(_ context.Context, p tree.Path) (map[string]schema.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures["query "+p.String()]; err != nil {
		return nil, err
	}

	stored, ok := s.entities[p]
	if !ok {
		return nil, fmt.Errorf("livetest: query %s: %w", p, live.ErrNotFound)
	}

	out := schema.CloneFields(stored)
	if p.Kind == schema.KindInstance {
		out["started"] = schema.BoolValue(s.running[p.Instance])
	}

	return out, nil
}

// ListChildren implements live.Server.
func (s *Server) ListChildren(_ context.Context, parent tree.Path, kind schema.Kind) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string

	for p := range s.entities {
		if p.Kind != kind {
			continue
		}

		owner, _ := p.Parent()
		if owner == parent {
			out = append(out, p.Name)
		}
	}

	slices.Sort(out)

	return out, nil
}

// Quiesce implements live.Server.
func (s *Server) Quiesce(ctx context.Context, instance string) error {
	return s.setRunning(ctx, "quiesce", instance, false)
}

// Resume implements live.Server. Resuming an instance that no longer exists
// is a no-op.
func (s *Server) Resume(ctx context.Context, instance string) error {
	return s.setRunning(ctx, "resume", instance, true)
}

func (s *Server) setRunning(_ context.Context, op, instance string, running bool) error {
	p := tree.InstancePath(instance)

	done, err := s.begin(op, p)
	defer done()

	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[p]; !ok {
		if running {
			return nil
		}

		return fmt.Errorf("livetest: %s %s: %w", op, instance, live.ErrNotFound)
	}

	s.running[instance] = running

	return nil
}
