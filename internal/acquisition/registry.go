package acquisition

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrUnknownAcquisition = errors.New("unknown acquisition")

// Factory returns a fresh Strategy for one run.
type Factory func() Strategy

// Registry maps acquisition names used in run dictionaries and the
// configuration to their strategies.
type Registry struct {
	mx        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. It panics on a duplicate name, registrations
// happen at start up.
func (r *Registry) Register(name string, f Factory) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("acquisition %q registered twice", name))
	}
	r.factories[name] = f
}

func (r *Registry) New(name string) (Strategy, error) {
	r.mx.RLock()
	f, ok := r.factories[name]
	r.mx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAcquisition, name)
	}
	return f(), nil
}

func (r *Registry) Has(name string) bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the sorted registered names.
func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	ret := make([]string, 0, len(r.factories))
	for name := range r.factories {
		ret = append(ret, name)
	}
	slices.Sort(ret)
	return ret
}
