// Package config loads and hot-reloads the dispatch engine's configuration:
// session admission policy, buffer quotas, thermal thresholds, the depth
// generator plugin path, and logging. Configuration is viper-backed YAML
// with env overrides, hot-reloaded through fsnotify and validated
// fail-fast at load time.
package config

import "time"

// Config is the complete dispatch-engine configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Session  SessionConfig  `mapstructure:"session"`
	Thermal  ThermalConfig  `mapstructure:"thermal"`
	Buffers  BufferConfig   `mapstructure:"buffers"`
	Hdrplus  HdrplusConfig  `mapstructure:"hdrplus"`
	Rgbird   RgbirdConfig   `mapstructure:"rgbird"`
	Depth    DepthConfig    `mapstructure:"depth"`
	Diag     DiagConfig     `mapstructure:"diag"`
	Hwl      HwlConfig      `mapstructure:"hwl"`
}

// LoggingConfig mirrors internal/logging.LoggingConfig field-for-field;
// cmd/server copies it into a logging.LoggingConfig before calling
// logging.SetupLogging.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`
	Format         string `mapstructure:"format"`
	FileEnabled    bool   `mapstructure:"file_enabled"`
	FilePath       string `mapstructure:"file_path"`
	MaxFileSize    int    `mapstructure:"max_file_size"`
	BackupCount    int    `mapstructure:"backup_count"`
	ConsoleEnabled bool   `mapstructure:"console_enabled"`
}

// SessionConfig controls CameraDeviceSession-level policy.
type SessionConfig struct {
	HalBufferManagementSupported bool          `mapstructure:"hal_buffer_management_supported"`
	RequestAdmissionRatePerSec   float64       `mapstructure:"request_admission_rate_per_sec"`
	RequestAdmissionBurst        int           `mapstructure:"request_admission_burst"`
	RequestAdmissionWait         time.Duration `mapstructure:"request_admission_wait"`
}

// ThermalConfig configures the thermal sampler (internal/thermal).
type ThermalConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ModerateCelsius  float64       `mapstructure:"moderate_celsius"`
	SevereCelsius    float64       `mapstructure:"severe_celsius"`
	CriticalCelsius  float64       `mapstructure:"critical_celsius"`
	EmergencyCelsius float64       `mapstructure:"emergency_celsius"`
}

// BufferConfig controls InternalStreamManager allocation slack.
type BufferConfig struct {
	ExtraBuffers         uint32 `mapstructure:"extra_buffers"`
	NeedVendorAllocator  bool   `mapstructure:"need_vendor_allocator"`
	MinZslFilledBuffers  int    `mapstructure:"min_zsl_filled_buffers"`
}

// HdrplusConfig controls HdrplusCaptureSession/HdrplusRequestProcessor policy.
type HdrplusConfig struct {
	PayloadFrames int `mapstructure:"payload_frames"`
}

// RgbirdConfig controls RgbirdCaptureSession/RgbirdRtRequestProcessor policy.
type RgbirdConfig struct {
	// AutoCalInterval is loaded, defaulted (5) and validated, but no
	// request or result processor reads it: the RGB+IR processors issue
	// their single auto-calibration request at the fixed frame number
	// kAutocalFrameNumber (5).
	AutoCalInterval uint32 `mapstructure:"auto_cal_interval"`
}

// DepthConfig configures the depth generator plugin loader.
type DepthConfig struct {
	LibraryPath string `mapstructure:"library_path"`
	Synchronous bool   `mapstructure:"synchronous"`
}

// HwlConfig locates the vendor hardware-wrapper-layer binding. The binding
// is a Go plugin exposing an AttachCameraDeviceHwl symbol; an empty path
// starts the service without an attached HWL (diagnostics surface only).
type HwlConfig struct {
	LibraryPath string `mapstructure:"library_path"`
}

// DiagConfig configures the optional diagnostics/introspection HTTP+WS surface.
type DiagConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	JWTSecret  string `mapstructure:"jwt_secret"`
}

// DefaultConfig returns the built-in defaults applied before a YAML file
// and environment overrides are layered on top.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			ConsoleEnabled: true,
			MaxFileSize:    10 * 1024 * 1024,
			BackupCount:    5,
		},
		Session: SessionConfig{
			HalBufferManagementSupported: true,
			RequestAdmissionRatePerSec:   60,
			RequestAdmissionBurst:        8,
			RequestAdmissionWait:         2 * time.Second,
		},
		Thermal: ThermalConfig{
			PollInterval:     2 * time.Second,
			ModerateCelsius:  60,
			SevereCelsius:    70,
			CriticalCelsius:  80,
			EmergencyCelsius: 90,
		},
		Buffers: BufferConfig{
			ExtraBuffers:        2,
			MinZslFilledBuffers: 3,
		},
		Hdrplus: HdrplusConfig{
			PayloadFrames: 8,
		},
		Rgbird: RgbirdConfig{
			AutoCalInterval: 5,
		},
		Depth: DepthConfig{
			Synchronous: false,
		},
		Diag: DiagConfig{
			Enabled:    false,
			ListenAddr: ":8643",
		},
	}
}
