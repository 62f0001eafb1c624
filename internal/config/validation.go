package config

import "fmt"

// ValidationError represents one configuration validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %q: %s", e.Field, e.Message)
}

// Validate performs fail-fast validation of the loaded configuration.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Hdrplus.PayloadFrames <= 0 {
		errs = append(errs, &ValidationError{"hdrplus.payload_frames", "must be positive"})
	}
	if cfg.Buffers.MinZslFilledBuffers <= 0 {
		errs = append(errs, &ValidationError{"buffers.min_zsl_filled_buffers", "must be positive"})
	}
	if cfg.Thermal.SevereCelsius <= cfg.Thermal.ModerateCelsius {
		errs = append(errs, &ValidationError{"thermal.severe_celsius", "must exceed thermal.moderate_celsius"})
	}
	if cfg.Thermal.CriticalCelsius <= cfg.Thermal.SevereCelsius {
		errs = append(errs, &ValidationError{"thermal.critical_celsius", "must exceed thermal.severe_celsius"})
	}
	if cfg.Session.RequestAdmissionRatePerSec <= 0 {
		errs = append(errs, &ValidationError{"session.request_admission_rate_per_sec", "must be positive"})
	}
	if cfg.Rgbird.AutoCalInterval == 0 {
		errs = append(errs, &ValidationError{"rgbird.auto_cal_interval", "must be nonzero"})
	}

	if len(errs) == 0 {
		return nil
	}
	msg := "invalid configuration:"
	for _, e := range errs {
		msg += " " + e.Error() + ";"
	}
	return fmt.Errorf("%s", msg)
}
