package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arpanauts/strategyengine/engine"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// entry pairs a ManagedResource with the lock that serializes mutations to
// it (spec.md §5 "The Resource Manager serializes state mutations per
// resource name"), generalizing the teacher's single `e.mu sync.RWMutex`
// (graph/engine.go) to one lock per name so unrelated resources never
// contend with each other.
type entry struct {
	mu       sync.Mutex
	resource engine.ManagedResource
	retries  int
}

// Manager is the concrete Resource Manager. It satisfies
// engine.ResourceManager.
type Manager struct {
	registryMu sync.RWMutex
	entries    map[string]*entry
	adapters   map[engine.ResourceType]Adapter
	deps       ActionResourceDependency

	log *logrus.Logger

	cron    *cron.Cron
	cronMu  sync.Mutex
	cronIDs map[string]cron.EntryID
}

// NewManager builds a Manager with the given per-type adapters and
// action→resource dependency map.
func NewManager(adapters map[engine.ResourceType]Adapter, deps ActionResourceDependency, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		entries:  make(map[string]*entry),
		adapters: adapters,
		deps:     deps,
		log:      log,
		cron:     cron.New(),
		cronIDs:  make(map[string]cron.EntryID),
	}
}

// Register validates and adds a resource to the registry (spec.md §4.3
// register). Config validation beyond "adapter exists for this type" is the
// adapter's own responsibility during Check/Start.
func (m *Manager) Register(res engine.ManagedResource) error {
	if _, ok := m.adapters[res.Type]; !ok {
		return fmt.Errorf("resource: no adapter registered for type %q", res.Type)
	}
	res.Status = engine.ResourceUnknown
	m.registryMu.Lock()
	m.entries[res.Name] = &entry{resource: res}
	m.registryMu.Unlock()
	return nil
}

func (m *Manager) get(name string) (*entry, error) {
	m.registryMu.RLock()
	e, ok := m.entries[name]
	m.registryMu.RUnlock()
	if !ok {
		return nil, &engine.UnknownResourceError{Name: name}
	}
	return e, nil
}

// Check dispatches to the resource's type adapter (spec.md §4.3 check).
func (m *Manager) Check(ctx context.Context, name string) (engine.ResourceStatus, error) {
	e, err := m.get(name)
	if err != nil {
		return engine.ResourceUnknown, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	adapter := m.adapters[e.resource.Type]
	status, errMsg, probeErr := adapter.Probe(ctx, e.resource)
	if probeErr != nil {
		status = engine.ResourceUnavailable
		errMsg = probeErr.Error()
	}
	e.resource.Status = status
	e.resource.LastCheck = time.Now()
	e.resource.ErrorMessage = errMsg
	return status, nil
}

// Start implements spec.md §4.3 start: idempotent, bounded polling for
// readiness after the adapter reports the resource launched.
func (m *Manager) Start(ctx context.Context, name string) (bool, error) {
	e, err := m.get(name)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.resource.Status == engine.ResourceHealthy {
		return true, nil
	}

	starter, ok := m.adapters[e.resource.Type].(Starter)
	if !ok {
		return false, fmt.Errorf("resource: type %q does not support start", e.resource.Type)
	}

	e.resource.Status = engine.ResourceStarting
	if err := starter.Start(ctx, e.resource); err != nil {
		e.resource.Status = engine.ResourceUnavailable
		e.resource.ErrorMessage = err.Error()
		return false, nil
	}

	const maxAttempts = 10
	prober := m.adapters[e.resource.Type]
	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, errMsg, probeErr := prober.Probe(ctx, e.resource)
		if probeErr == nil && status == engine.ResourceHealthy {
			e.resource.Status = status
			e.resource.LastCheck = time.Now()
			e.resource.ErrorMessage = ""
			return true, nil
		}
		if probeErr != nil {
			errMsg = probeErr.Error()
		}
		e.resource.ErrorMessage = errMsg
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	e.resource.Status = engine.ResourceUnavailable
	return false, nil
}

// Stop implements spec.md §4.3 stop, symmetric to Start.
func (m *Manager) Stop(ctx context.Context, name string) (bool, error) {
	e, err := m.get(name)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stopper, ok := m.adapters[e.resource.Type].(Starter)
	if !ok {
		return false, fmt.Errorf("resource: type %q does not support stop", e.resource.Type)
	}
	e.resource.Status = engine.ResourceStopping
	if err := stopper.Stop(ctx, e.resource); err != nil {
		e.resource.ErrorMessage = err.Error()
		return false, nil
	}
	e.resource.Status = engine.ResourceUnknown
	return true, nil
}

// GetStatus implements spec.md §4.3 get_status.
func (m *Manager) GetStatus() map[string]engine.ManagedResource {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()
	out := make(map[string]engine.ManagedResource, len(m.entries))
	for name, e := range m.entries {
		e.mu.Lock()
		out[name] = e.resource
		e.mu.Unlock()
	}
	return out
}

// RequiredResourcesFor implements spec.md §4.3 required_resources_for.
func (m *Manager) RequiredResourcesFor(doc *engine.StrategyDoc) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, step := range doc.Steps {
		for _, name := range m.deps[step.Action.Type] {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// EnsureRequired implements spec.md §4.3 ensure_required.
func (m *Manager) EnsureRequired(ctx context.Context, names []string) (map[string]bool, error) {
	out := make(map[string]bool, len(names))
	for _, name := range names {
		status, err := m.Check(ctx, name)
		if err != nil {
			return nil, err
		}
		if status == engine.ResourceHealthy {
			out[name] = true
			continue
		}

		e, err := m.get(name)
		if err != nil {
			return nil, err
		}
		if !e.resource.AutoStart {
			out[name] = false
			continue
		}
		ok, err := m.Start(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = ok
	}
	return out, nil
}

// StartSupervisors launches one cron-scheduled health supervisor per
// registered resource (spec.md §4.3 "Background behavior"), using
// `@every <interval>` entries on a shared *cron.Cron — grounded on
// r3e-network-service_layer's automation service, the pack's only user of
// robfig/cron, adapted from user-authored cron expressions to a fixed
// `@every` spec per resource's HealthCheckInterval.
func (m *Manager) StartSupervisors(ctx context.Context) {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()

	for name, e := range m.entries {
		name, e := name, e
		interval := e.resource.HealthCheckInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		id, err := m.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			m.superviseOnce(ctx, name)
		})
		if err != nil {
			m.log.WithError(err).WithField("resource", name).Error("resource: failed to schedule supervisor")
			continue
		}
		m.cronMu.Lock()
		m.cronIDs[name] = id
		m.cronMu.Unlock()
	}
	m.cron.Start()
}

// StopSupervisors cancels all background supervisors (spec.md §4.3
// "Supervisors are cancelled on shutdown").
func (m *Manager) StopSupervisors() {
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
}

func (m *Manager) superviseOnce(ctx context.Context, name string) {
	e, err := m.get(name)
	if err != nil {
		return
	}

	prevStatus := func() engine.ResourceStatus {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.resource.Status
	}()

	status, err := m.Check(ctx, name)
	if err != nil {
		return
	}

	e.mu.Lock()
	autoStart := e.resource.AutoStart
	maxRetries := e.resource.MaxRetries
	e.mu.Unlock()

	if status == engine.ResourceHealthy {
		e.mu.Lock()
		e.retries = 0
		e.mu.Unlock()
		return
	}

	wasHealthy := prevStatus == engine.ResourceHealthy
	if !wasHealthy || !autoStart {
		return
	}

	e.mu.Lock()
	e.retries++
	retries := e.retries
	e.mu.Unlock()

	if retries > maxRetries {
		return
	}
	if _, err := m.Start(ctx, name); err != nil {
		m.log.WithError(err).WithField("resource", name).Warn("resource: recovery attempt failed")
	}
}
