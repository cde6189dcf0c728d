package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/config"
	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/model"
)

const evaluationBackoff = 5 * time.Second

// ErrUnknownSession is returned when a session has not been created.
var ErrUnknownSession = errors.New("unknown schedule session")

// Session owns the decision loop of one (namespace, name) schedule.
type Session struct {
	namespace string
	name      string
	clock     Clock

	mu          sync.RWMutex
	engine      *Engine
	decision    *model.ScheduleDecision
	manual      map[string]any
	manualUntil time.Time

	refreshCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewSession builds a stopped session; call Start to launch its workers.
func NewSession(namespace, name string, cfg *config.Config) (*Session, error) {
	registry := NewFlavourRegistry(config.DefaultFlavours())
	if flavours, err := cfg.LoadStrategies(); err != nil {
		klog.ErrorS(err, "Initial strategy load failed, keeping defaults", "namespace", namespace, "schedule", name)
	} else if len(flavours) > 0 {
		registry.Replace(flavours)
	}

	engine, err := NewEngine(namespace, name, cfg, registry, nil)
	if err != nil {
		return nil, err
	}

	return &Session{
		namespace: namespace,
		name:      name,
		clock:     RealClock{},
		engine:    engine,
		refreshCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the decision and discovery workers.
func (s *Session) Start() {
	s.wg.Add(2)
	go s.runLoop()
	go s.discoveryLoop()
}

// Stop terminates the workers and waits for them.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Session) runLoop() {
	defer s.wg.Done()
	for {
		s.tick()

		s.mu.RLock()
		wait := s.engine.Config().ValidFor * 8 / 10
		s.mu.RUnlock()
		if wait < time.Second {
			wait = time.Second
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(wait):
		case <-s.refreshCh:
		}
	}
}

func (s *Session) tick() {
	if s.manualActive() {
		klog.V(3).InfoS("Manual schedule active, skipping evaluation",
			"namespace", s.namespace, "schedule", s.name)
		return
	}

	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), engine.Config().CarbonTimeout+5*time.Second)
	decision, err := engine.Evaluate(ctx)
	cancel()
	if err != nil {
		klog.ErrorS(err, "Schedule evaluation failed",
			"namespace", s.namespace, "schedule", s.name)
		select {
		case <-s.stopCh:
		case <-time.After(evaluationBackoff):
		}
		return
	}

	s.mu.Lock()
	s.decision = &decision
	s.mu.Unlock()

	klog.V(2).InfoS("Published schedule",
		"namespace", s.namespace,
		"schedule", s.name,
		"policy", decision.Policy.Name,
		"avgPrecision", decision.AvgPrecision,
		"throttle", decision.Processing.Throttle,
		"validUntil", decision.ValidUntil)
}

func (s *Session) discoveryLoop() {
	defer s.wg.Done()

	s.mu.RLock()
	interval := s.engine.Config().DiscoveryInterval
	s.mu.RUnlock()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			engine := s.engine
			s.mu.RUnlock()

			flavours, err := engine.Config().LoadStrategies()
			if err != nil {
				klog.ErrorS(err, "Strategy discovery failed",
					"namespace", s.namespace, "schedule", s.name)
				continue
			}
			if len(flavours) > 0 {
				engine.Registry().Replace(flavours)
			}
		}
	}
}

func (s *Session) manualActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manual != nil && s.clock.Now().Before(s.manualUntil)
}

// Schedule returns the currently published schedule. The second return is
// false while the session has not produced anything yet.
func (s *Session) Schedule() (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.manual != nil && s.clock.Now().Before(s.manualUntil) {
		return s.manual, true
	}
	if s.decision == nil {
		return nil, false
	}
	return s.decision, true
}

// SetManualOverride pins an operator-supplied schedule for one validity
// window. The payload is echoed to consumers without schema validation.
func (s *Session) SetManualOverride(payload map[string]any) {
	s.mu.Lock()
	s.manual = payload
	s.manualUntil = s.clock.Now().Add(s.engine.Config().ValidFor)
	s.mu.Unlock()

	publishManualMetrics(s.namespace, s.name, payload)
	klog.InfoS("Manual schedule pinned",
		"namespace", s.namespace, "schedule", s.name, "until", s.manualUntil)
}

// ApplyOverrides rebuilds the engine from the override payload, clears any
// manual schedule and triggers an immediate re-evaluation.
func (s *Session) ApplyOverrides(payload map[string]any) error {
	s.mu.Lock()
	cfg, bounds := s.engine.Config().ApplyOverrides(payload)
	if err := cfg.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid overrides: %w", err)
	}
	if bounds == nil {
		bounds = s.engine.bounds
	}

	engine, err := NewEngine(s.namespace, s.name, cfg, s.engine.Registry(), bounds)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.engine = engine
	s.manual = nil
	s.manualUntil = time.Time{}
	s.mu.Unlock()

	s.requestRefresh()
	klog.InfoS("Configuration overrides applied",
		"namespace", s.namespace, "schedule", s.name, "policy", cfg.PolicyName)
	return nil
}

// Feedback records realised per-flavour request counts reported by the
// router or consumer.
func (s *Session) Feedback(flavourCounts map[string]float64, windowSeconds float64) {
	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()
	engine.RecordFeedback(flavourCounts, windowSeconds)
}

func (s *Session) requestRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// Registry maps (namespace, name) to running sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  func(namespace, name string) (*Session, error)
}

// NewRegistry creates a session registry with the given factory.
func NewRegistry(factory func(namespace, name string) (*Session, error)) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		factory:  factory,
	}
}

func sessionKey(namespace, name string) string {
	return namespace + "/" + name
}

// Get returns an existing session.
func (r *Registry) Get(namespace, name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionKey(namespace, name)]
	return session, ok
}

// GetOrCreate returns the session, creating and starting it on first use.
func (r *Registry) GetOrCreate(namespace, name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey(namespace, name)
	if session, ok := r.sessions[key]; ok {
		return session, nil
	}
	session, err := r.factory(namespace, name)
	if err != nil {
		return nil, err
	}
	session.Start()
	r.sessions[key] = session
	klog.InfoS("Created scheduler session", "namespace", namespace, "schedule", name)
	return session, nil
}

// Close stops every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
}
