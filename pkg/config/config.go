package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-mounter/pkg/command"
	"github.com/core-tools/hsu-mounter/pkg/logging"
)

const (
	DefaultRecheckIntervalSeconds = 300
	DefaultWakeAttempts           = 2
)

// Recognized per-resource keys. Lookups are case-insensitive.
const (
	KeyRecheckInterval             = "RECHECK_INTERVAL_SECONDS"
	KeyRecheckIntervalPingSuccess  = "RECHECK_INTERVAL_SECONDS_PING_SUCCESS"
	KeyRecheckIntervalPingFailure  = "RECHECK_INTERVAL_SECONDS_PING_FAILURE"
	KeyRecheckIntervalMountSuccess = "RECHECK_INTERVAL_SECONDS_MOUNT_SUCCESS"
	KeyRecheckIntervalMountFailure = "RECHECK_INTERVAL_SECONDS_MOUNT_FAILURE"
	KeyMountTestCmd                = "MOUNT_TEST_CMD"
	KeyPingCmd                     = "PING_CMD"
	KeyWakeCmd                     = "WAKE_CMD"
	KeyWakeAttempts                = "WAKE_ATTEMPTS"
	KeyPreMountCmd                 = "PRE_MOUNT_CMD"
	KeyMountCmd                    = "MOUNT_CMD"
	KeyMountSuccessCmd             = "MOUNT_SUCCESS_CMD"
	KeyMountFailureCmd             = "MOUNT_FAILURE_CMD"
	KeyPostMountCmd                = "POST_MOUNT_CMD"
	KeyLostMountCmd                = "LOST_MOUNT_CMD"
)

// Identity names one resource: a section within a configuration file
type Identity struct {
	Source  string
	Section string
}

func (id Identity) String() string {
	return id.Section + "@" + id.Source
}

// ParseIdentity is the inverse of Identity.String
func ParseIdentity(s string) (Identity, error) {
	i := strings.Index(s, "@")
	if i <= 0 || i == len(s)-1 {
		return Identity{}, fmt.Errorf("resource must be written as section@path, got %q", s)
	}
	return Identity{Section: s[:i], Source: s[i+1:]}, nil
}

// Params is the raw key/value set of one section, keys upper-cased
type Params map[string]string

// ResourceConfig is the resolved parameter set of one resource. Interval
// overrides that were not configured hold the base interval.
type ResourceConfig struct {
	RecheckInterval             int
	RecheckIntervalPingSuccess  int
	RecheckIntervalPingFailure  int
	RecheckIntervalMountSuccess int
	RecheckIntervalMountFailure int

	MountTestCmd    command.Command
	PingCmd         command.Command
	WakeCmd         command.Command
	WakeAttempts    int
	PreMountCmd     command.Command
	MountCmd        command.Command
	PostMountCmd    command.Command
	MountSuccessCmd command.Command
	MountFailureCmd command.Command
	LostMountCmd    command.Command
}

// Resolve applies defaults to a raw section. Blank values count as missing;
// unusable numbers fall back to their default with a warning.
func Resolve(params Params, logger logging.Logger) ResourceConfig {
	r := resolver{params: params, logger: logger}

	cfg := ResourceConfig{}
	cfg.RecheckInterval = r.positiveInt(KeyRecheckInterval, DefaultRecheckIntervalSeconds)
	cfg.RecheckIntervalPingSuccess = r.positiveInt(KeyRecheckIntervalPingSuccess, cfg.RecheckInterval)
	cfg.RecheckIntervalPingFailure = r.positiveInt(KeyRecheckIntervalPingFailure, cfg.RecheckInterval)
	cfg.RecheckIntervalMountSuccess = r.positiveInt(KeyRecheckIntervalMountSuccess, cfg.RecheckInterval)
	cfg.RecheckIntervalMountFailure = r.positiveInt(KeyRecheckIntervalMountFailure, cfg.RecheckInterval)
	cfg.MountTestCmd = r.command(KeyMountTestCmd)
	cfg.PingCmd = r.command(KeyPingCmd)
	cfg.PreMountCmd = r.command(KeyPreMountCmd)
	cfg.WakeCmd = r.command(KeyWakeCmd)
	cfg.WakeAttempts = r.nonNegativeInt(KeyWakeAttempts, DefaultWakeAttempts)
	cfg.MountCmd = r.command(KeyMountCmd)
	cfg.MountSuccessCmd = r.command(KeyMountSuccessCmd)
	cfg.MountFailureCmd = r.command(KeyMountFailureCmd)
	cfg.PostMountCmd = r.command(KeyPostMountCmd)
	cfg.LostMountCmd = r.command(KeyLostMountCmd)
	return cfg
}

type resolver struct {
	params Params
	logger logging.Logger
}

func (r resolver) lookup(key string) (string, bool) {
	value, ok := r.params[strings.ToUpper(key)]
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func (r resolver) command(key string) command.Command {
	value, ok := r.lookup(key)
	if !ok {
		r.logger.Debugf("For config: %s=>None", key)
		return ""
	}
	r.logger.Debugf("For config: %s=>%s", key, value)
	return command.Command(value)
}

func (r resolver) positiveInt(key string, def int) int {
	return r.integer(key, def, 1)
}

func (r resolver) nonNegativeInt(key string, def int) int {
	return r.integer(key, def, 0)
}

func (r resolver) integer(key string, def int, min int) int {
	value, ok := r.lookup(key)
	if !ok {
		r.logger.Debugf("For config: %s=>%d", key, def)
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < min {
		r.logger.Warnf("Ignoring invalid value for %s: %q, using %d", key, value, def)
		return def
	}
	r.logger.Debugf("For config: %s=>%d", key, n)
	return n
}
