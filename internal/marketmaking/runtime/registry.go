package runtime

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/marketmaking/inventory"
	"github.com/Aidin1998/mmcore/internal/marketmaking/journal"
	"github.com/Aidin1998/mmcore/internal/marketmaking/router"
	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
)

// Deps are the shared services handed to every strategy creator
type Deps struct {
	Router    *router.Router
	Inventory *inventory.Tracker
	Journal   *journal.Journal
	Logger    *zap.Logger
}

// Creator builds a strategy instance from user parameters
type Creator func(params map[string]any, deps Deps) (Strategy, error)

// Info describes a registered strategy
type Info struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Defaults    map[string]any `json:"defaults,omitempty"`
}

type entry struct {
	info    Info
	creator Creator
}

// Registry maps strategy names to creators
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a strategy
func (r *Registry) Register(info Info, creator Creator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[info.Name]; ok {
		return mmerrors.Conflict.Explain("strategy '%s' already exists", info.Name)
	}
	r.entries[info.Name] = entry{info: info, creator: creator}
	return nil
}

// Unregister removes a strategy
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return mmerrors.NotFound.Explain("strategy '%s' not found", name)
	}
	delete(r.entries, name)
	return nil
}

// Create builds an instance of a registered strategy
func (r *Registry) Create(name string, params map[string]any, deps Deps) (Strategy, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, mmerrors.NotFound.Explain("strategy '%s' not found", name)
	}
	return e.creator(params, deps)
}

// Available lists registered strategies by name
func (r *Registry) Available() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
