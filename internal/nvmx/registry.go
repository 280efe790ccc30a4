package nvmx

import (
	"sync"

	"github.com/mayadata-io/nexus-engine/internal/errs"
)

// registry is the process-wide name→controller and id→controller map.
// Writers are create/destroy only; readers are every channel create and
// every timeout handler.
type registry struct {
	mu       sync.RWMutex
	byName   map[string]*Controller
	byID     map[uint64]*Controller
}

var global = &registry{
	byName: make(map[string]*Controller),
	byID:   make(map[uint64]*Controller),
}

// reservePlaceholder registers name with no controller yet, failing if a
// controller (or placeholder) is already present.
func (r *registry) reservePlaceholder(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return errs.Wrap(errs.KindAlreadyExists, errs.ErrAlreadyPresent, "controller %s", name)
	}
	r.byName[name] = nil
	return nil
}

// rollbackPlaceholder removes a reserved-but-never-attached placeholder
// after a failed connect.
func (r *registry) rollbackPlaceholder(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byName[name]; ok && c == nil {
		delete(r.byName, name)
	}
}

// commit registers the fully attached controller under both maps.
func (r *registry) commit(c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[c.name] = c
	r.byID[c.id] = c
}

// remove deregisters both mappings.
func (r *registry) remove(c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, c.name)
	delete(r.byID, c.id)
}

func (r *registry) byNameLookup(name string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok && c != nil
}

func (r *registry) byIDLookup(id uint64) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// LookupByName returns the controller registered as name, if fully attached.
func LookupByName(name string) (*Controller, bool) { return global.byNameLookup(name) }

// LookupByID returns the controller registered under numeric id.
func LookupByID(id uint64) (*Controller, bool) { return global.byIDLookup(id) }
