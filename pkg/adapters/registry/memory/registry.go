// Package memory provides an in-memory registry client with failure
// injection for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aescanero/regorch/pkg/ports"
)

// Call records one registry call.
type Call struct {
	Op         string
	EntityType string
	ID         string
	Payload    map[string]any
}

type fault struct {
	err       error
	remaining int // < 0 fails forever
}

// Registry is a fake system of record.
type Registry struct {
	mu       sync.Mutex
	seq      int
	entities map[string]map[string]map[string]any // type -> id -> payload
	order    map[string][]string
	creates  map[string]*fault
	deletes  map[string]*fault
	calls    []Call
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[string]map[string]map[string]any),
		order:    make(map[string][]string),
		creates:  make(map[string]*fault),
		deletes:  make(map[string]*fault),
	}
}

// FailCreate makes the next times creates of entityType return err.
// times < 0 fails every call.
func (r *Registry) FailCreate(entityType string, err error, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates[entityType] = &fault{err: err, remaining: times}
}

// FailDelete makes deletes of entityType return err.
func (r *Registry) FailDelete(entityType string, err error, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes[entityType] = &fault{err: err, remaining: times}
}

// Seed stores an existing entity, as if created outside the engine.
func (r *Registry) Seed(entityType, id string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store(entityType, id, payload)
}

func (r *Registry) store(entityType, id string, payload map[string]any) {
	if r.entities[entityType] == nil {
		r.entities[entityType] = make(map[string]map[string]any)
	}
	r.entities[entityType][id] = payload
	r.order[entityType] = append(r.order[entityType], id)
}

func trip(faults map[string]*fault, entityType string) error {
	f, ok := faults[entityType]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

func (r *Registry) CreateEntity(ctx context.Context, entityType string, payload map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, Call{Op: "create", EntityType: entityType, Payload: payload})
	if err := trip(r.creates, entityType); err != nil {
		return "", err
	}

	r.seq++
	id := fmt.Sprintf("%s-%d", entityType, r.seq)
	copied := make(map[string]any, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	r.store(entityType, id, copied)
	return id, nil
}

func (r *Registry) DeleteEntity(ctx context.Context, entityType, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, Call{Op: "delete", EntityType: entityType, ID: id})
	if err := trip(r.deletes, entityType); err != nil {
		return err
	}
	delete(r.entities[entityType], id)
	return nil
}

func (r *Registry) FindByNaturalKey(ctx context.Context, entityType, key, value string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order[entityType] {
		payload, ok := r.entities[entityType][id]
		if !ok {
			continue
		}
		if v, ok := payload[key]; ok && fmt.Sprint(v) == value {
			return id, nil
		}
	}
	return "", nil
}

// Get returns the payload of an entity.
func (r *Registry) Get(entityType, id string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entities[entityType][id]
	return p, ok
}

// Count returns the number of live entities of a type.
func (r *Registry) Count(entityType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entities[entityType])
}

// Total returns the number of live entities.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ids := range r.entities {
		n += len(ids)
	}
	return n
}

// Calls returns every call made so far.
func (r *Registry) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CreateAttempts counts create calls for a type.
func (r *Registry) CreateAttempts(entityType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Op == "create" && c.EntityType == entityType {
			n++
		}
	}
	return n
}

var _ ports.RegistryClient = (*Registry)(nil)
