package signals

import (
	"context"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalCancelsAndRunsOnStopOnce(t *testing.T) {
	var calls atomic.Int32
	ctx, stop := NotifyContext(context.Background(), func() { calls.Add(1) })
	defer stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
	stop()
	assert.Equal(t, int32(1), calls.Load())
}

func TestStopRunsOnStop(t *testing.T) {
	var calls atomic.Int32
	ctx, stop := NotifyContext(context.Background(), func() { calls.Add(1) })
	stop()
	stop()
	assert.Error(t, ctx.Err())
	assert.Equal(t, int32(1), calls.Load())
}

func TestParentCancelSkipsOnStop(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	ctx, stop := NotifyContext(parent, func() { calls.Add(1) })
	defer stop()
	cancel()
	<-ctx.Done()
	assert.Zero(t, calls.Load())
}
