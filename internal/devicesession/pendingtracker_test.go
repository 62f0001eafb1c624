package devicesession_test

import (
	"context"
	"testing"
	"time"

	"github.com/camerarecorder/multicam-hal/internal/config"
	"github.com/camerarecorder/multicam-hal/internal/devicesession"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/stretchr/testify/require"
)

func TestPendingRequestTracker_DisabledIsNoOp(t *testing.T) {
	tr := devicesession.NewPendingRequestTracker(config.SessionConfig{HalBufferManagementSupported: false})
	tr.SetStreamQuota(1, 1)
	ctx := context.Background()
	bufs := []hal.StreamBuffer{{StreamID: 1}, {StreamID: 1}, {StreamID: 1}}
	require.NoError(t, tr.Admit(ctx, bufs), "admission must never block when buffer management is off")
}

func TestPendingRequestTracker_BlocksUntilReleased(t *testing.T) {
	tr := devicesession.NewPendingRequestTracker(config.SessionConfig{
		HalBufferManagementSupported: true,
		RequestAdmissionRatePerSec:   0,
	})
	tr.SetStreamQuota(1, 1)

	ctx := context.Background()
	buf := []hal.StreamBuffer{{StreamID: 1}}
	require.NoError(t, tr.Admit(ctx, buf))

	done := make(chan error, 1)
	go func() {
		done <- tr.Admit(ctx, buf)
	}()

	select {
	case <-done:
		t.Fatal("second admission must block while the stream's one buffer is still acquired")
	case <-time.After(50 * time.Millisecond):
	}

	tr.Release(buf)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("admission should unblock once the buffer is released")
	}
}

func TestPendingRequestTracker_CtxCancelUnblocksAdmit(t *testing.T) {
	tr := devicesession.NewPendingRequestTracker(config.SessionConfig{HalBufferManagementSupported: true})
	tr.SetStreamQuota(1, 1)

	ctx := context.Background()
	buf := []hal.StreamBuffer{{StreamID: 1}}
	require.NoError(t, tr.Admit(ctx, buf))

	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := tr.Admit(cancelCtx, buf)
	require.Error(t, err)
}
