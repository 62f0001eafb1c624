package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager loads, validates, and hot-reloads the dispatch engine's
// configuration: viper-backed YAML with env overrides, fsnotify hot
// reload, one RWMutex around the live config pointer and an atomic flag
// for watcher liveness.
type Manager struct {
	lock            sync.RWMutex
	config          *Config
	configPath      string
	updateCallbacks []func(*Config)

	watcherLock   sync.RWMutex
	watcher       *fsnotify.Watcher
	watcherActive int32

	logger *logging.Logger
}

// NewManager creates a configuration manager seeded with DefaultConfig.
func NewManager() *Manager {
	return &Manager{
		config: DefaultConfig(),
		logger: logging.GetLogger("config-manager"),
	}
}

// GetConfig returns the currently loaded configuration.
func (m *Manager) GetConfig() *Config {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.config
}

// LoadConfig reads configPath as YAML, layers environment overrides under
// the CAMERA_HAL_ prefix, validates, and replaces the live config.
func (m *Manager) LoadConfig(configPath string) error {
	if err := m.validateConfigFile(configPath); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	m.setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("CAMERA_HAL")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("cannot read configuration file %q: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	m.lock.Lock()
	m.config = cfg
	m.configPath = configPath
	m.lock.Unlock()

	m.notifyCallbacks(cfg)

	m.logger.WithFields(logging.Fields{
		"config_path": configPath,
		"action":      "load_config",
	}).Info("Configuration loaded")

	return nil
}

// RegisterUpdateCallback registers a callback invoked on every successful
// reload.
func (m *Manager) RegisterUpdateCallback(cb func(*Config)) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.updateCallbacks = append(m.updateCallbacks, cb)
}

func (m *Manager) notifyCallbacks(cfg *Config) {
	m.lock.RLock()
	callbacks := append([]func(*Config){}, m.updateCallbacks...)
	m.lock.RUnlock()
	for _, cb := range callbacks {
		cb(cfg)
	}
}

// StartWatching begins hot-reloading configPath on change. Hot reload is
// opt-in; LoadConfig alone never spawns a watcher.
func (m *Manager) StartWatching() error {
	if !atomic.CompareAndSwapInt32(&m.watcherActive, 0, 1) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		atomic.StoreInt32(&m.watcherActive, 0)
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	m.lock.RLock()
	path := m.configPath
	m.lock.RUnlock()
	if path == "" {
		atomic.StoreInt32(&m.watcherActive, 0)
		return fmt.Errorf("config watcher requires LoadConfig to have run first")
	}
	if err := watcher.Add(path); err != nil {
		atomic.StoreInt32(&m.watcherActive, 0)
		return fmt.Errorf("failed to watch %q: %w", path, err)
	}

	m.watcherLock.Lock()
	m.watcher = watcher
	m.watcherLock.Unlock()

	go m.watchLoop(watcher, path)
	return nil
}

func (m *Manager) watchLoop(watcher *fsnotify.Watcher, path string) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := m.LoadConfig(path); err != nil {
					m.logger.WithError(err).Warn("Configuration hot reload failed, keeping previous config")
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}

// StopWatching halts hot reload.
func (m *Manager) StopWatching() {
	if !atomic.CompareAndSwapInt32(&m.watcherActive, 1, 0) {
		return
	}
	m.watcherLock.Lock()
	defer m.watcherLock.Unlock()
	if m.watcher != nil {
		_ = m.watcher.Close()
		m.watcher = nil
	}
}

func (m *Manager) validateConfigFile(configPath string) error {
	info, err := os.Stat(configPath)
	if err != nil {
		return fmt.Errorf("configuration file does not exist: %q", configPath)
	}
	if info.IsDir() {
		return fmt.Errorf("configuration path %q is a directory", configPath)
	}
	content, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("cannot read configuration file %q: %w", configPath, err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return fmt.Errorf("configuration file %q is empty", configPath)
	}
	return nil
}

func (m *Manager) setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.console_enabled", d.Logging.ConsoleEnabled)
	v.SetDefault("session.hal_buffer_management_supported", d.Session.HalBufferManagementSupported)
	v.SetDefault("session.request_admission_rate_per_sec", d.Session.RequestAdmissionRatePerSec)
	v.SetDefault("session.request_admission_burst", d.Session.RequestAdmissionBurst)
	v.SetDefault("session.request_admission_wait", d.Session.RequestAdmissionWait)
	v.SetDefault("thermal.poll_interval", d.Thermal.PollInterval)
	v.SetDefault("thermal.moderate_celsius", d.Thermal.ModerateCelsius)
	v.SetDefault("thermal.severe_celsius", d.Thermal.SevereCelsius)
	v.SetDefault("thermal.critical_celsius", d.Thermal.CriticalCelsius)
	v.SetDefault("thermal.emergency_celsius", d.Thermal.EmergencyCelsius)
	v.SetDefault("buffers.extra_buffers", d.Buffers.ExtraBuffers)
	v.SetDefault("buffers.min_zsl_filled_buffers", d.Buffers.MinZslFilledBuffers)
	v.SetDefault("hdrplus.payload_frames", d.Hdrplus.PayloadFrames)
	v.SetDefault("rgbird.auto_cal_interval", d.Rgbird.AutoCalInterval)
	v.SetDefault("depth.synchronous", d.Depth.Synchronous)
	v.SetDefault("diag.enabled", d.Diag.Enabled)
	v.SetDefault("diag.listen_addr", d.Diag.ListenAddr)
}
