package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// stubService blocks in Start until Stop is called, recording both
// transitions.
type stubService struct {
	name    string
	started atomic.Bool
	stopped atomic.Bool
	order   *stopOrder
}

type stopOrder struct {
	mu    sync.Mutex
	names []string
}

func (o *stopOrder) record(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = append(o.names, name)
}

func (o *stopOrder) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.names...)
}

func (s *stubService) Start() error {
	s.started.Store(true)
	for !s.stopped.Load() {
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func (s *stubService) Stop() {
	s.stopped.Store(true)
	if s.order != nil {
		s.order.record(s.name)
	}
}

func TestRun_StartsAllAndStopsInReverseOrder(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lc := NewLifecycle(logger)

	order := &stopOrder{}
	first := &stubService{name: "first", order: order}
	second := &stubService{name: "second", order: order}
	lc.Add("first", first)
	lc.Add("second", second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- lc.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return first.started.Load() && second.started.Load()
	}, 2*time.Second, 10*time.Millisecond, "services did not start")

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}

	assert.True(t, first.stopped.Load())
	assert.True(t, second.stopped.Load())
	assert.Equal(t, []string{"second", "first"}, order.list(),
		"shutdown must reverse registration order")
}

func TestRun_ServiceFailureTriggersShutdown(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lc := NewLifecycle(logger)

	order := &stopOrder{}
	healthy := &stubService{name: "healthy", order: order}
	lc.Add("healthy", healthy)
	lc.Add("broken", &FuncService{
		StartFn: func() error { return assert.AnError },
		StopFn:  func() { order.record("broken") },
	})

	done := make(chan error, 1)
	go func() {
		done <- lc.Run(context.Background())
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down after service failure")
	}

	assert.True(t, healthy.stopped.Load(), "surviving services stop when one fails")
}

func TestFuncService_DelegatesToFns(t *testing.T) {
	started := false
	stopped := false

	svc := &FuncService{
		StartFn: func() error {
			started = true
			return nil
		},
		StopFn: func() {
			stopped = true
		},
	}

	require.NoError(t, svc.Start())
	assert.True(t, started)

	svc.Stop()
	assert.True(t, stopped)
}
