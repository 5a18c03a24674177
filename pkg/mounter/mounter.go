package mounter

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/core-tools/hsu-mounter/pkg/command"
	"github.com/core-tools/hsu-mounter/pkg/config"
	"github.com/core-tools/hsu-mounter/pkg/errors"
	"github.com/core-tools/hsu-mounter/pkg/logging"
)

// DefaultTickInterval is the length of one logical second of the polling loop
const DefaultTickInterval = time.Second

// ConfigSource re-reads the configuration of one resource
type ConfigSource interface {
	LoadResource(id config.Identity, logger logging.Logger) (config.ResourceConfig, bool, error)
}

type Options struct {
	Runner   command.Runner
	Source   ConfigSource
	Observer Observer // Optional

	// TickInterval defaults to DefaultTickInterval
	TickInterval time.Duration

	// OnExit is called from the mounter goroutine as its last act
	OnExit func(m *Mounter)
}

// Mounter keeps one resource mounted. It owns its configuration and state;
// the only way in from outside is Stop, Cancel and the read-only accessors.
type Mounter struct {
	id      config.Identity
	options Options
	logger  logging.Logger

	// Owned by the loop goroutine
	cfg      config.ResourceConfig
	modTime  time.Time
	interval int
	elapsed  int

	mutex sync.Mutex
	state State

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(id config.Identity, options Options, logger logging.Logger) *Mounter {
	if options.TickInterval <= 0 {
		options.TickInterval = DefaultTickInterval
	}
	if options.Observer == nil {
		options.Observer = Observers(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Mounter{
		id:       id,
		options:  options,
		logger:   logging.WithPrefix(logger, fmt.Sprintf("[%s] ", id.Section)),
		state:    StateInit,
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *Mounter) Identity() config.Identity {
	return m.id
}

// State returns a snapshot of the current state
func (m *Mounter) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// Done is closed once the loop has exited and OnExit has returned
func (m *Mounter) Done() <-chan struct{} {
	return m.done
}

// Start loads the resource configuration and launches the polling loop.
// On error nothing is launched and OnExit is never called.
func (m *Mounter) Start() error {
	if m.options.Runner == nil || m.options.Source == nil {
		return errors.NewValidationError("mounter requires a command runner and a config source", nil)
	}

	info, err := os.Stat(m.id.Source)
	if err != nil {
		return errors.NewIOError("failed to stat configuration file", err).WithContext("resource", m.id.String())
	}

	cfg, found, err := m.options.Source.LoadResource(m.id, m.logger)
	if err != nil {
		return err
	}
	if !found {
		return errors.NewNotFoundError("section not found in configuration file", nil).WithContext("resource", m.id.String())
	}
	if err := config.ValidateResourceConfig(cfg); err != nil {
		return err
	}

	m.cfg = cfg
	m.modTime = info.ModTime()
	m.interval = intervalFor(cfg, StateInit)

	m.logger.Infof("Starting mounter for section [%s] from file [%s]", m.id.Section, m.id.Source)
	m.options.Observer.StateChanged(m.id, "", StateInit)

	go m.loop()
	return nil
}

// Stop asks the loop to exit before its next tick. A command already
// running is allowed to finish.
func (m *Mounter) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Infof("Stopping mounter")
		close(m.stopChan)
	})
}

// Cancel stops the loop and kills any command it is running
func (m *Mounter) Cancel() {
	m.Stop()
	m.cancel()
}

func (m *Mounter) stopRequested() bool {
	select {
	case <-m.stopChan:
		return true
	default:
		return false
	}
}

func (m *Mounter) loop() {
	defer m.exit()

	for {
		if m.stopRequested() {
			return
		}

		reloaded, ok := m.checkConfig()
		if !ok {
			return
		}

		if reloaded || m.elapsed%m.interval == 0 {
			m.safeWork()
			m.updateInterval()
			m.logger.Infof("Next test after %d seconds", m.interval)
		}

		if !m.sleep() {
			return
		}
		m.elapsed++
	}
}

// sleep waits one tick; false means a stop arrived first
func (m *Mounter) sleep() bool {
	timer := time.NewTimer(m.options.TickInterval)
	defer timer.Stop()

	select {
	case <-m.stopChan:
		return false
	case <-timer.C:
		return true
	}
}

func (m *Mounter) exit() {
	m.logger.Infof("Mounter exited")
	m.options.Observer.Stopped(m.id, m.State())
	if m.options.OnExit != nil {
		m.options.OnExit(m)
	}
	m.cancel()
	close(m.done)
}

// checkConfig re-stats the source file and reloads the section when the file
// changed. ok is false when the mounter must exit.
func (m *Mounter) checkConfig() (reloaded bool, ok bool) {
	info, err := os.Stat(m.id.Source)
	if err != nil {
		m.logger.Errorf("File %s is gone: %v", m.id.Source, err)
		return false, false
	}
	if info.ModTime().Equal(m.modTime) {
		return false, true
	}

	m.logger.Infof("Configs have changed!")
	m.modTime = info.ModTime()

	cfg, found, err := m.options.Source.LoadResource(m.id, m.logger)
	if err != nil {
		m.logger.Errorf("Keeping previous configuration, reload failed: %v", err)
		return false, true
	}
	if !found {
		m.logger.Infof("Section has been removed from config file.")
		return false, false
	}
	if err := config.ValidateResourceConfig(cfg); err != nil {
		m.logger.Errorf("Keeping previous configuration, reloaded one is invalid: %v", err)
		return false, true
	}

	m.cfg = cfg
	m.updateInterval()
	return true, true
}

func (m *Mounter) updateInterval() {
	state := m.State()
	m.interval = intervalFor(m.cfg, state)
	m.logger.Debugf("Updating current interval in state [%s] to %d", state, m.interval)
}

// safeWork runs one check; a panic is logged and returned as an internal error
func (m *Mounter) safeWork() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewInternalError("check panicked", fmt.Errorf("%v", r)).WithContext("resource", m.id.String())
			m.logger.Errorf("Caught panic during check, continuing: %v\n%s", err, debug.Stack())
		}
	}()
	m.work()
	return nil
}

// work runs one check of the resource. Side effects compare against the
// state the resource was in when the check began.
func (m *Mounter) work() {
	settled := m.State()
	m.logger.Infof("Working on section [%s] from file [%s]", m.id.Section, m.id.Source)

	if m.cfg.MountCmd.IsBlank() {
		m.logger.Infof("No mount command specified. Nothing to do.")
		return
	}

	if m.cfg.MountTestCmd.IsBlank() {
		m.logger.Infof("No mount test command specified. Assume not mounted.")
	} else if m.run(StepMountTest, m.cfg.MountTestCmd).Succeeded {
		m.logger.Infof("Resource is already mounted. Nothing to do.")
		m.mountSucceeded(settled)
		return
	}

	m.logger.Infof("Resource is NOT mounted. Lets get to work.")
	if !m.ping(settled) {
		return
	}
	m.mount(settled)
}

// ping reports whether the mount phase should run
func (m *Mounter) ping(settled State) bool {
	if m.cfg.PingCmd.IsBlank() {
		m.logger.Infof("Ping command not specified. Assuming success.")
		return true
	}

	wakeAttempts := 0
	if !m.cfg.WakeCmd.IsBlank() {
		wakeAttempts = m.cfg.WakeAttempts
	}

	for {
		if m.run(StepPing, m.cfg.PingCmd).Succeeded {
			m.logger.Infof("Ping successful.")
			m.setState(StatePingSuccess)
			return true
		}
		if wakeAttempts == 0 {
			m.logger.Infof("Resource is down. Will not attempt mount.")
			m.mountFailed(settled, ReasonPingFailed)
			m.setState(StatePingFailure)
			return false
		}
		m.logger.Infof("Ping failed! Wake attempts left: %d", wakeAttempts)
		m.run(StepWake, m.cfg.WakeCmd)
		wakeAttempts--
	}
}

func (m *Mounter) mount(settled State) {
	if !m.cfg.PreMountCmd.IsBlank() {
		if !m.run(StepPreMount, m.cfg.PreMountCmd).Succeeded {
			m.logger.Warnf("Pre mount command failed!")
		}
	}

	m.logger.Infof("Mounting...")
	if !m.run(StepMount, m.cfg.MountCmd).Succeeded {
		m.mountFailed(settled, ReasonMountFailed)
		m.setState(StateMountFailure)
		return
	}

	m.mountSucceeded(settled)

	if !m.cfg.PostMountCmd.IsBlank() {
		if !m.run(StepPostMount, m.cfg.PostMountCmd).Succeeded {
			m.logger.Warnf("Post mount command failed!")
		}
	}
}

func (m *Mounter) mountSucceeded(settled State) {
	if settled != StateMountSuccess {
		m.logger.Infof("Mounting successful!")
		if !m.cfg.MountSuccessCmd.IsBlank() {
			m.run(StepMountSuccess, m.cfg.MountSuccessCmd)
		}
	}
	m.setState(StateMountSuccess)
}

// mountFailed leaves the state to the caller
func (m *Mounter) mountFailed(settled State, reason string) {
	if settled == StateMountSuccess {
		m.logger.Warnf("Mount has been lost!")
		if !m.cfg.LostMountCmd.IsBlank() {
			m.run(StepLostMount, m.cfg.LostMountCmd)
		}
	}
	if settled.IsFailure() {
		return
	}
	m.logger.Warnf("Mount failed: %s", reason)
	if !m.cfg.MountFailureCmd.IsBlank() {
		m.run(StepMountFailure, m.cfg.MountFailureCmd, "REASON="+reason)
	}
}

func (m *Mounter) run(step Step, cmd command.Command, env ...string) command.Result {
	m.logger.Infof("Running cmd: %s", cmd)
	result := m.options.Runner.Run(m.ctx, cmd, env...)
	m.logger.Infof("RC=%d", result.ExitCode)
	m.options.Observer.CommandCompleted(m.id, step, result)
	return result
}

func (m *Mounter) setState(to State) {
	m.mutex.Lock()
	from := m.state
	m.state = to
	m.mutex.Unlock()

	if from != to {
		m.logger.Infof("Changing state from [%s] to [%s]", from, to)
		m.options.Observer.StateChanged(m.id, from, to)
	}
}
