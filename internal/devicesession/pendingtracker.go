package devicesession

import (
	"context"
	"sync"
	"time"

	"github.com/camerarecorder/multicam-hal/internal/config"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"golang.org/x/time/rate"
)

// PendingRequestTracker gates request admission when HAL buffer management
// is active: a per-stream outstanding-buffer quota (HalStream.MaxBuffers)
// plus a token-bucket admission throttle. Request admission blocks on the
// tracker's condition variable until buffer budget or acquisition quota
// frees up; the limiter enforces an absolute request rate on top of the
// quota.
type PendingRequestTracker struct {
	enabled bool
	limiter *rate.Limiter
	wait    time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	quota     map[hal.StreamID]uint32
	acquired  map[hal.StreamID]uint32
}

// NewPendingRequestTracker builds a tracker from session policy. When
// cfg.HalBufferManagementSupported is false the tracker is a no-op: Admit
// always succeeds immediately and Release does nothing.
func NewPendingRequestTracker(cfg config.SessionConfig) *PendingRequestTracker {
	t := &PendingRequestTracker{
		enabled:  cfg.HalBufferManagementSupported,
		wait:     cfg.RequestAdmissionWait,
		quota:    make(map[hal.StreamID]uint32),
		acquired: make(map[hal.StreamID]uint32),
	}
	t.cond = sync.NewCond(&t.mu)
	if t.enabled && cfg.RequestAdmissionRatePerSec > 0 {
		burst := cfg.RequestAdmissionBurst
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RequestAdmissionRatePerSec), burst)
	}
	return t
}

// SetStreamQuota records a stream's per-stream outstanding-buffer budget,
// called once per configured HAL stream at stream configuration time.
func (t *PendingRequestTracker) SetStreamQuota(streamID hal.StreamID, maxBuffers uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quota[streamID] = maxBuffers
}

// Admit blocks until every stream referenced by outputBuffers has budget
// available, then reserves one unit of budget per stream. The configured
// admission wait bounds only the rate-limiter wait; the budget wait lasts
// until budget frees up or ctx is done, and returns ctx's error in the
// latter case. A no-op (returns immediately) when buffer management is not
// supported.
func (t *PendingRequestTracker) Admit(ctx context.Context, outputBuffers []hal.StreamBuffer) error {
	if !t.enabled {
		return nil
	}
	if t.limiter != nil {
		waitCtx := ctx
		var cancel context.CancelFunc
		if t.wait > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, t.wait)
			defer cancel()
		}
		if err := t.limiter.Wait(waitCtx); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	var waitErr error
	go func() {
		t.mu.Lock()
		for !t.hasBudgetLocked(outputBuffers) {
			t.cond.Wait()
			select {
			case <-ctx.Done():
				waitErr = ctx.Err()
				t.mu.Unlock()
				close(done)
				return
			default:
			}
		}
		for _, buf := range outputBuffers {
			t.acquired[buf.StreamID]++
		}
		t.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return waitErr
	case <-ctx.Done():
		// Wake the waiter so it observes cancellation instead of blocking
		// forever on a quota that may never free up.
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (t *PendingRequestTracker) hasBudgetLocked(outputBuffers []hal.StreamBuffer) bool {
	need := make(map[hal.StreamID]uint32)
	for _, buf := range outputBuffers {
		need[buf.StreamID]++
	}
	for streamID, n := range need {
		max, ok := t.quota[streamID]
		if !ok {
			continue
		}
		if t.acquired[streamID]+n > max {
			return false
		}
	}
	return true
}

// Release returns one unit of budget per stream referenced by
// returnedBuffers, waking any admission waiters. A no-op when buffer
// management is not supported.
func (t *PendingRequestTracker) Release(returnedBuffers []hal.StreamBuffer) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	for _, buf := range returnedBuffers {
		if t.acquired[buf.StreamID] > 0 {
			t.acquired[buf.StreamID]--
		}
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}
