// Package kubernetes provides lease-based leader election so only one
// orchestrator replica launches and supervises scan workers at a time.
package kubernetes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/corvusec/scanhive/pkg/common/logger"
)

// Config locates the lease the replicas campaign for.
type Config struct {
	// Namespace holds the lease object.
	Namespace string
	// LockName names the lease object.
	LockName string
	// Identity is this replica's candidate id, typically the pod name.
	Identity string
}

// Coordinator campaigns for a Kubernetes lease and reports leadership
// changes. Register the callback before Start; the election machinery may
// fire as soon as the campaign begins.
type Coordinator struct {
	config Config

	elector *leaderelection.LeaderElector

	mu                 sync.Mutex
	leadershipChangeCB func(isLeader bool)

	wg sync.WaitGroup

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator builds a coordinator on the given clientset. The lease
// timings follow the client-go defaults for controller managers.
func NewCoordinator(client kubernetes.Interface, cfg Config, log *logger.Logger, tracer trace.Tracer) (*Coordinator, error) {
	_, span := tracer.Start(context.Background(), "leader_coordinator.new",
		trace.WithAttributes(
			attribute.String("lock_name", cfg.LockName),
			attribute.String("identity", cfg.Identity),
		),
	)
	defer span.End()

	if client == nil {
		return nil, fmt.Errorf("leader coordinator: kubernetes client is required")
	}
	if cfg.Namespace == "" || cfg.LockName == "" || cfg.Identity == "" {
		return nil, fmt.Errorf("leader coordinator: namespace, lock name and identity are required")
	}

	log = log.With(
		"component", "leader_coordinator",
		"namespace", cfg.Namespace,
		"lock_name", cfg.LockName,
		"identity", cfg.Identity,
	)

	coordinator := &Coordinator{config: cfg, logger: log, tracer: tracer}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LockName,
			Namespace: cfg.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: cfg.Identity,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   15 * time.Second,
		RenewDeadline:   10 * time.Second,
		RetryPeriod:     2 * time.Second,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: coordinator.onStartedLeading,
			OnStoppedLeading: coordinator.onStoppedLeading,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "creating leader elector")
		return nil, fmt.Errorf("creating leader elector: %w", err)
	}
	coordinator.elector = elector

	return coordinator, nil
}

// OnLeadershipChange registers the callback invoked on every gain or loss of
// leadership. Must be called before Start.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leadershipChangeCB = cb
}

// Start begins campaigning in the background and returns immediately. The
// campaign ends when ctx is cancelled, releasing the lease if held.
func (c *Coordinator) Start(ctx context.Context) {
	c.logger.Info(ctx, "Leader coordinator: Campaign started")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.elector.Run(ctx)
	}()
}

// Stop waits for the campaign goroutine to exit. Cancel the Start context
// first; Stop on its own never interrupts the campaign.
func (c *Coordinator) Stop() {
	c.wg.Wait()
	c.logger.Info(context.Background(), "Leader coordinator: Stopped")
}

// IsLeader reports whether this replica currently holds the lease.
func (c *Coordinator) IsLeader() bool { return c.elector.IsLeader() }

func (c *Coordinator) onStartedLeading(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "leader_coordinator.started_leading",
		trace.WithAttributes(attribute.String("identity", c.config.Identity)),
	)
	defer span.End()

	c.logger.Info(ctx, "Leader coordinator: Acquired leadership")
	c.notify(true)
}

func (c *Coordinator) onStoppedLeading() {
	ctx, span := c.tracer.Start(context.Background(), "leader_coordinator.stopped_leading",
		trace.WithAttributes(attribute.String("identity", c.config.Identity)),
	)
	defer span.End()

	c.logger.Info(ctx, "Leader coordinator: Lost leadership")
	c.notify(false)
}

func (c *Coordinator) notify(isLeader bool) {
	c.mu.Lock()
	cb := c.leadershipChangeCB
	c.mu.Unlock()
	if cb != nil {
		cb(isLeader)
	}
}
