package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/regorch/pkg/domain"
)

// Registry holds the workflow definitions known to the engine.
type Registry struct {
	mu   sync.RWMutex
	defs map[domain.WorkflowType]*Definition
}

// NewRegistry creates a registry with the given definitions.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[domain.WorkflowType]*Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Builtin returns a registry with the account, membership, product and
// order-insurance workflows.
func Builtin() *Registry {
	r, err := NewRegistry(Account(), Membership(), Product(), OrderInsurance())
	if err != nil {
		panic(fmt.Sprintf("invalid built-in workflow: %v", err))
	}
	return r
}

// Register adds or replaces a definition after checking it.
func (r *Registry) Register(d Definition) error {
	if err := d.Check(); err != nil {
		return fmt.Errorf("invalid workflow %s: %w", d.Type, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Type] = &d
	return nil
}

// Get returns the definition of a workflow type.
func (r *Registry) Get(t domain.WorkflowType) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[t]
	if !ok {
		return nil, domain.Validation("unknown workflow type: %s", t)
	}
	return d, nil
}

// Types lists the registered workflow types.
func (r *Registry) Types() []domain.WorkflowType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.WorkflowType, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
