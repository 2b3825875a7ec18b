package runtime

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
)

// Manager owns the running strategy instances, one per key.
type Manager struct {
	registry *Registry
	deps     Deps
	logger   *zap.Logger

	mu        sync.Mutex
	instances map[string]Strategy
	starting  map[string]struct{}
}

// NewManager creates a manager creating strategies from registry
func NewManager(registry *Registry, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		registry:  registry,
		deps:      deps,
		logger:    deps.Logger.Named("strategies"),
		instances: make(map[string]Strategy),
		starting:  make(map[string]struct{}),
	}
}

// Registry returns the registry the manager creates from
func (m *Manager) Registry() *Registry { return m.registry }

// Start creates and starts a strategy, returning its instance key. A key that
// is starting or whose instance has not reached StateStopped is a conflict; a
// stopped instance under the key is replaced once the new one is running.
func (m *Manager) Start(ctx context.Context, name string, params map[string]any) (string, error) {
	s, err := m.registry.Create(name, params, m.deps)
	if err != nil {
		return "", err
	}
	key := s.Key()

	m.mu.Lock()
	if _, busy := m.starting[key]; busy {
		m.mu.Unlock()
		return "", mmerrors.Conflict.Explain("strategy already starting for %s", key)
	}
	if cur, ok := m.instances[key]; ok && cur.Status().State != StateStopped {
		m.mu.Unlock()
		return "", mmerrors.Conflict.Explain("strategy already running for %s", key)
	}
	m.starting[key] = struct{}{}
	m.mu.Unlock()

	err = s.Start(ctx)

	m.mu.Lock()
	delete(m.starting, key)
	if err == nil {
		m.instances[key] = s
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("strategy failed to start", zap.String("strategy", name), zap.String("key", key), zap.Error(err))
		return "", err
	}
	m.logger.Info("strategy started", zap.String("strategy", name), zap.String("key", key))
	return key, nil
}

// Stop stops the instance under key; false when it was not running
func (m *Manager) Stop(key string) (bool, error) {
	m.mu.Lock()
	s, ok := m.instances[key]
	m.mu.Unlock()
	if !ok {
		return false, mmerrors.NotFound.Explain("no strategy instance for %s", key)
	}
	return s.Stop(), nil
}

// StopAll stops every instance concurrently and waits
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]Strategy, 0, len(m.instances))
	for _, s := range m.instances {
		all = append(all, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s Strategy) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}

// Get returns the instance under key
func (m *Manager) Get(key string) (Strategy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.instances[key]
	return s, ok
}

// Status returns the status of one instance
func (m *Manager) Status(key string) (Status, error) {
	s, ok := m.Get(key)
	if !ok {
		return Status{}, mmerrors.NotFound.Explain("no strategy instance for %s", key)
	}
	return s.Status(), nil
}

// List returns every instance status sorted by key
func (m *Manager) List() []Status {
	m.mu.Lock()
	all := make([]Strategy, 0, len(m.instances))
	for _, s := range m.instances {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(all))
	for _, s := range all {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
