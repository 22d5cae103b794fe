package action_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/config"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/action"
	"github.com/dkirby-ms/tilemud-sub004/internal/ratelimit"
)

func newPipeline(t *testing.T) (*action.Pipeline, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1000, 0))
	limiter := ratelimit.New(map[string]config.ChannelConfig{
		action.ChannelTileAction:     {Limit: 3, WindowMs: 10_000},
		action.ChannelChatInInstance: {Limit: 2, WindowMs: 10_000},
	}, ratelimit.NewMemoryStore(), clk, nil)
	return action.NewPipeline(limiter), clk
}

func placement(id string) action.Request {
	return action.Request{ID: id, Type: action.TypeTilePlacement, InstanceID: "inst-1"}
}

func TestEnqueue_AcceptsUnderLimit(t *testing.T) {
	p, clk := newPipeline(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := p.Enqueue(ctx, "p1", placement("a"), clk.Now())
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		require.NotNil(t, res.RateLimit)
	}
	assert.Equal(t, 3, p.Len())
}

func TestEnqueue_RejectsOverLimit(t *testing.T) {
	p, clk := newPipeline(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.Enqueue(ctx, "p1", placement("a"), clk.Now())
		require.NoError(t, err)
	}

	res, err := p.Enqueue(ctx, "p1", placement("a"), clk.Now())
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "rate_limit", res.Reason)
	require.NotNil(t, res.RateLimit)
	assert.Positive(t, res.RateLimit.RetryAfter)
	assert.Equal(t, 3, p.Len(), "rejected action must not be queued")
}

func TestEnqueue_SubjectsAreIndependent(t *testing.T) {
	p, clk := newPipeline(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.Enqueue(ctx, "p1", placement("a"), clk.Now())
		require.NoError(t, err)
	}

	res, err := p.Enqueue(ctx, "p2", placement("b"), clk.Now())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestEnqueue_UngatedTypesAlwaysAdmitted(t *testing.T) {
	p, clk := newPipeline(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := p.Enqueue(ctx, "p1", action.Request{
			ID: "n", Type: action.TypeNPCEvent, InstanceID: "inst-1",
		}, clk.Now())
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.Nil(t, res.RateLimit)
	}
	assert.Equal(t, 10, p.Len())
}

func TestDrainBatch_FIFOAndBounded(t *testing.T) {
	p, clk := newPipeline(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		req := action.Request{ID: id, Type: action.TypeScriptedEvent, InstanceID: "inst-1"}
		_, err := p.Enqueue(ctx, "p1", req, clk.Now())
		require.NoError(t, err)
	}

	batch := p.DrainBatch(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "a1", batch[0].Action.ID)
	assert.Equal(t, "a2", batch[1].Action.ID)
	assert.False(t, p.IsEmpty())

	batch = p.DrainBatch(10)
	require.Len(t, batch, 1)
	assert.Equal(t, "a3", batch[0].Action.ID)
	assert.True(t, p.IsEmpty())

	assert.Nil(t, p.DrainBatch(5))
}

func TestPending_Summaries(t *testing.T) {
	p, clk := newPipeline(t)
	ctx := context.Background()

	req := action.Request{ID: "a1", Type: action.TypeScriptedEvent, InstanceID: "inst-1"}
	_, err := p.Enqueue(ctx, "p1", req, clk.Now())
	require.NoError(t, err)

	pending := p.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "a1", pending[0].ActionID)
	assert.Equal(t, action.TypeScriptedEvent, pending[0].Type)
	assert.Equal(t, clk.Now(), pending[0].EnqueuedAt)
}
