package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAll_Empty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestCheckAll(t *testing.T) {
	r := NewRegistry()
	r.Register("session", func(ctx context.Context) Status {
		return Status{Name: "session", Healthy: true}
	})
	r.Register("reconciler", func(ctx context.Context) Status {
		return Status{Name: "reconciler", Healthy: false, Detail: "poll loop stopped"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy, "one unhealthy subsystem fails the aggregate")
	require.Len(t, statuses, 2)
	assert.Equal(t, "session", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "poll loop stopped", statuses[1].Detail)
}

func TestCheckAll_WedgedCheckerTimesOut(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	r := NewRegistry(WithTimeout(20 * time.Millisecond))
	r.Register("session", func(ctx context.Context) Status {
		return Status{Name: "session", Healthy: true}
	})
	r.Register("reconciler", func(ctx context.Context) Status {
		<-block
		return Status{Name: "reconciler", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy, "a wedged checker must not mask the healthy ones")
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, "reconciler", statuses[1].Name)
	assert.Equal(t, "check timed out", statuses[1].Detail)
}

func TestCheckAll_AllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(ctx context.Context) Status { return Status{Name: "a", Healthy: true} })
	r.Register("b", func(ctx context.Context) Status { return Status{Name: "b", Healthy: true} })

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Len(t, statuses, 2)
}
