package config

import (
	"fmt"
	"path/filepath"

	"github.com/core-tools/hsu-mounter/pkg/errors"
)

// ValidateIdentity checks that an identity can key the task registry
func ValidateIdentity(id Identity) error {
	if id.Section == "" {
		return errors.NewValidationError("resource section cannot be empty", nil)
	}
	if id.Source == "" {
		return errors.NewValidationError("resource source cannot be empty", nil).WithContext("section", id.Section)
	}
	if !filepath.IsAbs(id.Source) {
		return errors.NewValidationError("resource source must be an absolute path", nil).WithContext("source", id.Source)
	}
	return nil
}

// ValidateResourceConfig checks the invariants the mounter relies on
func ValidateResourceConfig(cfg ResourceConfig) error {
	intervals := []struct {
		key   string
		value int
	}{
		{KeyRecheckInterval, cfg.RecheckInterval},
		{KeyRecheckIntervalPingSuccess, cfg.RecheckIntervalPingSuccess},
		{KeyRecheckIntervalPingFailure, cfg.RecheckIntervalPingFailure},
		{KeyRecheckIntervalMountSuccess, cfg.RecheckIntervalMountSuccess},
		{KeyRecheckIntervalMountFailure, cfg.RecheckIntervalMountFailure},
	}
	for _, interval := range intervals {
		if interval.value <= 0 {
			return errors.NewValidationError(
				fmt.Sprintf("%s must be positive, got %d", interval.key, interval.value),
				nil,
			)
		}
	}

	if cfg.WakeAttempts < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("%s cannot be negative, got %d", KeyWakeAttempts, cfg.WakeAttempts),
			nil,
		)
	}

	return nil
}
