package consumer

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/schedule"
)

// workerFunc consumes one flavour queue until its context is cancelled.
type workerFunc func(ctx context.Context, flavour string)

// FlavourWorkerManager reconciles running per-flavour consumer workers
// against the flavours the current schedule names.
type FlavourWorkerManager struct {
	mu      sync.Mutex
	running map[string]context.CancelFunc
	spawn   workerFunc
}

// NewFlavourWorkerManager creates a manager spawning the given worker.
func NewFlavourWorkerManager(spawn workerFunc) *FlavourWorkerManager {
	return &FlavourWorkerManager{
		running: make(map[string]context.CancelFunc),
		spawn:   spawn,
	}
}

// Reconcile starts workers for new flavours and cancels workers whose
// flavour disappeared from the schedule.
func (m *FlavourWorkerManager) Reconcile(ctx context.Context, flavours []string) {
	desired := make(map[string]struct{}, len(flavours))
	for _, flavour := range flavours {
		desired[flavour] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for flavour := range desired {
		if _, ok := m.running[flavour]; ok {
			continue
		}
		workerCtx, cancel := context.WithCancel(ctx)
		m.running[flavour] = cancel
		klog.InfoS("Starting flavour worker", "flavour", flavour)
		go m.spawn(workerCtx, flavour)
	}

	for flavour, cancel := range m.running {
		if _, ok := desired[flavour]; ok {
			continue
		}
		klog.InfoS("Stopping flavour worker", "flavour", flavour)
		cancel()
		delete(m.running, flavour)
	}
}

// Running returns the sorted flavours with a live worker.
func (m *FlavourWorkerManager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	flavours := make([]string, 0, len(m.running))
	for flavour := range m.running {
		flavours = append(flavours, flavour)
	}
	sort.Strings(flavours)
	return flavours
}

// StopAll cancels every worker.
func (m *FlavourWorkerManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for flavour, cancel := range m.running {
		cancel()
		delete(m.running, flavour)
	}
}

// Run reconciles against the schedule until the context is cancelled.
func (m *FlavourWorkerManager) Run(ctx context.Context, schedules *schedule.Manager, interval time.Duration) {
	m.Reconcile(ctx, schedules.Snapshot().Flavours())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.StopAll()
			return
		case <-ticker.C:
			m.Reconcile(ctx, schedules.Snapshot().Flavours())
		}
	}
}
