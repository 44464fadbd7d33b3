package kubernetes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/corvusec/scanhive/pkg/common/logger"
)

func testConfig() Config {
	return Config{
		Namespace: "default",
		LockName:  "scanhive-orchestrator-leader",
		Identity:  "orchestrator-0",
	}
}

func TestNewCoordinator_Validation(t *testing.T) {
	t.Parallel()

	tracer := tracenoop.NewTracerProvider().Tracer("test")

	_, err := NewCoordinator(nil, testConfig(), logger.Noop(), tracer)
	require.Error(t, err)

	cfg := testConfig()
	cfg.LockName = ""
	_, err = NewCoordinator(fake.NewSimpleClientset(), cfg, logger.Noop(), tracer)
	require.Error(t, err)
}

func TestCoordinator_AcquiresLeadership(t *testing.T) {
	t.Parallel()

	coord, err := NewCoordinator(
		fake.NewSimpleClientset(),
		testConfig(),
		logger.Noop(),
		tracenoop.NewTracerProvider().Tracer("test"),
	)
	require.NoError(t, err)

	leaderCh := make(chan bool, 4)
	coord.OnLeadershipChange(func(isLeader bool) { leaderCh <- isLeader })

	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)

	select {
	case isLeader := <-leaderCh:
		assert.True(t, isLeader)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting to acquire leadership")
	}
	assert.True(t, coord.IsLeader())

	// Cancelling the campaign releases the lease and reports the loss.
	cancel()

	select {
	case isLeader := <-leaderCh:
		assert.False(t, isLeader)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for leadership loss")
	}
	coord.Stop()
}

func TestCoordinator_SecondCandidateWaits(t *testing.T) {
	t.Parallel()

	client := fake.NewSimpleClientset()
	tracer := tracenoop.NewTracerProvider().Tracer("test")

	first, err := NewCoordinator(client, testConfig(), logger.Noop(), tracer)
	require.NoError(t, err)

	secondCfg := testConfig()
	secondCfg.Identity = "orchestrator-1"
	second, err := NewCoordinator(client, secondCfg, logger.Noop(), tracer)
	require.NoError(t, err)

	firstLeads := make(chan bool, 2)
	first.OnLeadershipChange(func(isLeader bool) { firstLeads <- isLeader })
	secondLeads := make(chan bool, 2)
	second.OnLeadershipChange(func(isLeader bool) { secondLeads <- isLeader })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first.Start(ctx)
	select {
	case isLeader := <-firstLeads:
		require.True(t, isLeader)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for first candidate to lead")
	}

	second.Start(ctx)

	// The second candidate must not grab the lease while the first renews it.
	select {
	case <-secondLeads:
		t.Fatal("second candidate became leader while the lease was held")
	case <-time.After(3 * time.Second):
	}
	assert.False(t, second.IsLeader())
}
