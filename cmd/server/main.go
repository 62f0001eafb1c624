// Package main implements the multi-camera HAL dispatch service entry point.
//
// The service hosts one CameraDeviceSession facade ahead of the vendor
// hardware wrapper layer (HWL). It operates as a long-running process that
// owns the ambient machinery a capture session needs before any frame
// flows: configuration, structured logging, the graphics-allocator buffer
// interop, thermal sampling, the depth-generator plugin, and the optional
// read-only diagnostics surface.
//
// The startup sequence:
//  1. Load and validate configuration
//  2. Initialize logging with structured output
//  3. Probe the graphics allocator interop backend
//  4. Create the camera device session (thermal sampling included)
//  5. Load the depth-generator plugin, when configured
//  6. Attach the vendor HWL binding, when configured
//  7. Start the diagnostics HTTP+WebSocket surface
//
// The HWL binding is a Go plugin (mirroring how the depth generator is
// loaded) exposing one symbol:
//
//	AttachCameraDeviceHwl func(ctx context.Context,
//	        host *devicesession.CameraDeviceSession,
//	        depthGenerator depthgen.Generator,
//	        cfg *config.Config,
//	        logger *logging.Logger) (stop func(), err error)
//
// The binding owns everything below the session boundary: it enumerates
// its cameras, builds session.Deps per stream configuration, and drives
// host.ConfigureStreams/ProcessCaptureRequest on behalf of the platform
// framework. Without a binding the service still starts and serves
// diagnostics, which is the useful mode for bring-up on a dev host.
//
// Graceful shutdown reverses the startup order.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"plugin"
	"syscall"

	"github.com/camerarecorder/multicam-hal/internal/bufferio"
	"github.com/camerarecorder/multicam-hal/internal/config"
	"github.com/camerarecorder/multicam-hal/internal/depthgen"
	"github.com/camerarecorder/multicam-hal/internal/devicesession"
	"github.com/camerarecorder/multicam-hal/internal/diag"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/thermal"
)

// attachFunc is the signature the HWL binding plugin's
// AttachCameraDeviceHwl symbol must carry. Kept anonymous-compatible so
// bindings need no import of this package.
type attachFunc = func(context.Context, *devicesession.CameraDeviceSession, depthgen.Generator, *config.Config, *logging.Logger) (func(), error)

var configPath = flag.String("config", "config/default.yaml", "Path to the service configuration file")

func main() {
	flag.Parse()

	configManager := config.NewManager()
	if err := configManager.LoadConfig(*configPath); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := configManager.GetConfig()

	if err := logging.SetupLogging(loggingConfig(cfg)); err != nil {
		log.Fatalf("Failed to setup logging: %v", err)
	}

	// Reapply logging settings on every hot reload so level/format changes
	// take effect without a restart.
	configManager.RegisterUpdateCallback(func(updated *config.Config) {
		_ = logging.SetupLogging(loggingConfig(updated))
	})
	if err := configManager.StartWatching(); err != nil {
		log.Fatalf("Failed to watch configuration: %v", err)
	}
	defer configManager.StopWatching()

	logger := logging.GetLogger("camera-service")
	logger.Info("Starting multi-camera HAL dispatch service")

	interop, err := bufferio.Probe()
	if err != nil {
		logger.WithError(err).Fatal("No graphics allocator interop backend available")
	}
	logger.WithFields(logging.Fields{"gralloc_version": interop.Version()}).Info("Buffer interop selected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := devicesession.New(cfg.Session, thermalConfig(cfg), interop, logger)
	session.Start(ctx)

	var depthLoader *depthgen.Loader
	var depthGenerator depthgen.Generator
	if cfg.Depth.LibraryPath != "" {
		depthLoader = depthgen.NewLoader(logging.GetLogger("depth-generator"))
		depthGenerator, err = depthLoader.Load(cfg.Depth.LibraryPath)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load depth generator plugin")
		}
		if err := depthLoader.WatchForReplacement(); err != nil {
			logger.WithError(err).Warn("Depth generator replacement watch unavailable")
		}
		logger.WithFields(logging.Fields{"library_path": cfg.Depth.LibraryPath}).Info("Depth generator loaded")
	}

	var detachHwl func()
	if cfg.Hwl.LibraryPath != "" {
		detachHwl, err = attachHwlBinding(ctx, cfg, session, depthGenerator, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to attach HWL binding")
		}
	} else {
		logger.Warn("No HWL binding configured, serving diagnostics only")
	}

	hub := diag.NewHub(logging.GetLogger("diag-hub"))
	diagServer, err := diag.NewServer(cfg.Diag, hub, logging.GetLogger("diag-server"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to create diagnostics server")
	}
	hub.RegisterSessionStatus(func() interface{} { return session.Snapshot() })
	session.SetDiagnosticsTap(devicesession.DiagnosticsTap{Notify: hub.Notify, Result: hub.Result})
	if err := diagServer.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start diagnostics server")
	}

	logger.Info("Camera service started, all components operational")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal, stopping services")

	// Reverse startup order: stop accepting diagnostics clients, detach
	// the HWL (which flushes in-flight captures), then tear the session
	// and its plugins down.
	if err := diagServer.Stop(); err != nil {
		logger.WithError(err).Error("Error stopping diagnostics server")
	}
	if detachHwl != nil {
		detachHwl()
	}
	cancel()
	if depthLoader != nil {
		depthLoader.Close()
	}
	session.Destroy()

	logger.Info("Camera service stopped")
}

// attachHwlBinding loads the vendor HWL plugin and hands it the hosted
// session, the same dlopen-then-attach lifecycle the depth generator uses.
func attachHwlBinding(ctx context.Context, cfg *config.Config, session *devicesession.CameraDeviceSession, depthGenerator depthgen.Generator, logger *logging.Logger) (func(), error) {
	p, err := plugin.Open(cfg.Hwl.LibraryPath)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup("AttachCameraDeviceHwl")
	if err != nil {
		return nil, err
	}
	attach, ok := sym.(attachFunc)
	if !ok {
		return nil, fmt.Errorf("hwl binding %q: AttachCameraDeviceHwl has wrong type %T", cfg.Hwl.LibraryPath, sym)
	}
	stop, err := attach(ctx, session, depthGenerator, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logging.Fields{"library_path": cfg.Hwl.LibraryPath}).Info("HWL binding attached")
	return stop, nil
}

func loggingConfig(cfg *config.Config) *logging.LoggingConfig {
	return &logging.LoggingConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		FileEnabled:    cfg.Logging.FileEnabled,
		FilePath:       cfg.Logging.FilePath,
		MaxFileSize:    cfg.Logging.MaxFileSize,
		BackupCount:    cfg.Logging.BackupCount,
		ConsoleEnabled: cfg.Logging.ConsoleEnabled,
	}
}

func thermalConfig(cfg *config.Config) thermal.Config {
	return thermal.Config{
		PollInterval:     cfg.Thermal.PollInterval,
		ModerateCelsius:  cfg.Thermal.ModerateCelsius,
		SevereCelsius:    cfg.Thermal.SevereCelsius,
		CriticalCelsius:  cfg.Thermal.CriticalCelsius,
		EmergencyCelsius: cfg.Thermal.EmergencyCelsius,
	}
}
