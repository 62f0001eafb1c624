// Package thermal samples host temperature sensors and classifies thermal
// severity, driving the vendor ThermalThrottling tag CameraDeviceSession
// stamps onto requests. A device thermal HAL would push severity through
// the same Callback contract; this package is the gopsutil-backed sampling
// strategy used when no such HAL is attached.
package thermal

import (
	"context"
	"sync"
	"time"

	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/shirou/gopsutil/v3/host"
)

// Severity mirrors the platform thermal-status levels; only the
// "severe-or-above" threshold matters to this system, the rest exist for
// observability.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLight
	SeverityModerate
	SeveritySevere
	SeverityCritical
	SeverityEmergency
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLight:
		return "light"
	case SeverityModerate:
		return "moderate"
	case SeveritySevere:
		return "severe"
	case SeverityCritical:
		return "critical"
	case SeverityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// SevereOrAbove reports whether severity has reached the threshold that
// causes the next request to carry ThermalThrottling=true.
func (s Severity) SevereOrAbove() bool { return s >= SeveritySevere }

// Callback is invoked on every severity sample, including unchanged ones;
// callers that only care about the severe-or-above transition should track
// the previous value themselves (CameraDeviceSession, in
// internal/devicesession, filters for severe-or-above samples itself).
type Callback func(Severity)

// Config controls sampling cadence and the temperature->severity mapping.
type Config struct {
	PollInterval      time.Duration
	ModerateCelsius   float64
	SevereCelsius     float64
	CriticalCelsius   float64
	EmergencyCelsius  float64
}

// DefaultConfig mirrors typical mobile SoC throttling curves.
func DefaultConfig() Config {
	return Config{
		PollInterval:     2 * time.Second,
		ModerateCelsius:  60,
		SevereCelsius:    70,
		CriticalCelsius:  80,
		EmergencyCelsius: 90,
	}
}

// Monitor periodically samples host temperature sensors via gopsutil and
// reports the worst-case severity to all registered callbacks.
type Monitor struct {
	cfg    Config
	logger *logging.Logger

	mu        sync.Mutex
	callbacks []Callback
	last      Severity

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor constructs a Monitor. Call Start to begin sampling.
func NewMonitor(cfg Config, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.GetLogger("thermal")
	}
	return &Monitor{cfg: cfg, logger: logger}
}

// RegisterCallback adds a callback invoked on every sample. Safe to call
// before or after Start.
func (m *Monitor) RegisterCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start begins the background sampling loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sampleOnce()
			}
		}
	}()
}

// Stop halts sampling and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) sampleOnce() {
	severity := m.classify()

	m.mu.Lock()
	m.last = severity
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(severity)
	}
}

// classify samples every reported temperature sensor and returns the
// severity implied by the hottest one. A sampling failure (no sensors
// exposed by the host, e.g. inside a container) is treated as SeverityNone
// rather than an error: thermal throttling is advisory and must never
// abort request processing.
func (m *Monitor) classify() Severity {
	stats, err := host.SensorsTemperatures()
	if err != nil || len(stats) == 0 {
		return SeverityNone
	}

	var hottest float64
	for _, s := range stats {
		if s.Temperature > hottest {
			hottest = s.Temperature
		}
	}

	switch {
	case hottest >= m.cfg.EmergencyCelsius:
		return SeverityEmergency
	case hottest >= m.cfg.CriticalCelsius:
		return SeverityCritical
	case hottest >= m.cfg.SevereCelsius:
		return SeveritySevere
	case hottest >= m.cfg.ModerateCelsius:
		return SeverityModerate
	default:
		return SeverityNone
	}
}

// InjectSample lets callers (mainly tests, and environments with a
// vendor-specific thermal source) bypass gopsutil and report a severity
// directly, exercising the same callback fan-out as a real sample.
func (m *Monitor) InjectSample(s Severity) {
	m.mu.Lock()
	m.last = s
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(s)
	}
}

// Last returns the most recently observed severity.
func (m *Monitor) Last() Severity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
