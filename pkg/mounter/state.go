package mounter

import (
	"github.com/core-tools/hsu-mounter/pkg/config"
)

// State is where a resource stands after its most recent check
type State string

const (
	StateInit         State = "INIT" // Start state only, never re-entered
	StatePingSuccess  State = "PING_SUCCESS"
	StatePingFailure  State = "PING_FAILURE"
	StateMountSuccess State = "MOUNT_SUCCESS"
	StateMountFailure State = "MOUNT_FAILURE"
)

// AllStates lists every state, INIT first
var AllStates = []State{StateInit, StatePingSuccess, StatePingFailure, StateMountSuccess, StateMountFailure}

// IsFailure reports whether the resource is known to be unavailable
func (s State) IsFailure() bool {
	return s == StatePingFailure || s == StateMountFailure
}

// Step names the user command being run
type Step string

const (
	StepMountTest    Step = "mount_test"
	StepPing         Step = "ping"
	StepWake         Step = "wake"
	StepPreMount     Step = "pre_mount"
	StepMount        Step = "mount"
	StepPostMount    Step = "post_mount"
	StepMountSuccess Step = "mount_success"
	StepMountFailure Step = "mount_failure"
	StepLostMount    Step = "lost_mount"
)

// Reasons handed to the mount failure command as $REASON
const (
	ReasonPingFailed  = "Ping failed."
	ReasonMountFailed = "Mount failed."
)

// intervalFor returns the recheck interval that applies while in state
func intervalFor(cfg config.ResourceConfig, state State) int {
	switch state {
	case StatePingSuccess:
		return cfg.RecheckIntervalPingSuccess
	case StatePingFailure:
		return cfg.RecheckIntervalPingFailure
	case StateMountSuccess:
		return cfg.RecheckIntervalMountSuccess
	case StateMountFailure:
		return cfg.RecheckIntervalMountFailure
	default:
		return cfg.RecheckInterval
	}
}
