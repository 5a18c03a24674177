package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-mounter/pkg/command"
	"github.com/core-tools/hsu-mounter/pkg/config"
	"github.com/core-tools/hsu-mounter/pkg/errors"
	"github.com/core-tools/hsu-mounter/pkg/logging"
	"github.com/core-tools/hsu-mounter/pkg/mounter"
)

const DefaultForceShutdownTimeout = 30 * time.Second

type SupervisorOptions struct {
	// ForceShutdownTimeout is how long Shutdown waits for running commands
	// before cancelling them
	ForceShutdownTimeout time.Duration

	// TickInterval is handed to every mounter; zero means one second
	TickInterval time.Duration
}

// SupervisorState represents the current state of the supervisor
type SupervisorState string

const (
	// SupervisorStateRunning means new resources are accepted
	SupervisorStateRunning SupervisorState = "running"

	// SupervisorStateStopping means mounters are being stopped
	SupervisorStateStopping SupervisorState = "stopping"

	// SupervisorStateStopped means every mounter has exited
	SupervisorStateStopped SupervisorState = "stopped"
)

// Supervisor owns the registry of running mounters. It only ever adds
// mounters; each mounter removes itself when it exits.
type Supervisor struct {
	options  SupervisorOptions
	runner   command.Runner
	source   mounter.ConfigSource
	observer mounter.Observer
	logger   logging.Logger

	mounters map[config.Identity]*mounter.Mounter
	state    SupervisorState
	mutex    sync.Mutex
}

func NewSupervisor(options SupervisorOptions, runner command.Runner, source mounter.ConfigSource, observer mounter.Observer, logger logging.Logger) *Supervisor {
	if options.ForceShutdownTimeout <= 0 {
		options.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}
	return &Supervisor{
		options:  options,
		runner:   runner,
		source:   source,
		observer: observer,
		logger:   logger,
		mounters: make(map[config.Identity]*mounter.Mounter),
		state:    SupervisorStateRunning,
	}
}

// Reconcile starts a mounter for every identity that has none. Running
// mounters are left alone; they pick up their own configuration changes.
// Returns the number of mounters started.
func (s *Supervisor) Reconcile(ids []config.Identity) int {
	started := 0
	for _, id := range ids {
		if err := config.ValidateIdentity(id); err != nil {
			s.logger.Errorf("Skipping resource, id: %s, error: %v", id, err)
			continue
		}
		ok, err := s.startMounter(id)
		if err != nil {
			s.logger.Errorf("Failed to start mounter, id: %s, error: %v", id, err)
			continue
		}
		if ok {
			started++
		}
	}
	return started
}

func (s *Supervisor) startMounter(id config.Identity) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != SupervisorStateRunning {
		s.logger.Debugf("Supervisor is %s, not starting mounter, id: %s", s.state, id)
		return false, nil
	}
	if _, exists := s.mounters[id]; exists {
		return false, nil
	}

	m := mounter.New(id, mounter.Options{
		Runner:       s.runner,
		Source:       s.source,
		Observer:     s.observer,
		TickInterval: s.options.TickInterval,
		OnExit:       s.remove,
	}, s.logger)

	// Inserting under the lock keeps an immediately exiting mounter from
	// racing its own removal
	if err := m.Start(); err != nil {
		return false, err
	}
	s.mounters[id] = m

	s.logger.Infof("Mounter started, id: %s", id)
	return true, nil
}

// remove deregisters an exiting mounter unless it has already been replaced
func (s *Supervisor) remove(m *mounter.Mounter) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := m.Identity()
	if current, exists := s.mounters[id]; exists && current == m {
		delete(s.mounters, id)
		s.logger.Infof("Mounter removed, id: %s", id)
	}
}

// Shutdown stops every mounter and waits for the registry to drain. Mounters
// still busy after ForceShutdownTimeout have their running command killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.logger.Infof("Stopping supervisor...")
	s.setState(SupervisorStateStopping)

	if ctx == nil {
		ctx = context.Background()
	}

	mounters := s.getAllMounters()
	for _, m := range mounters {
		m.Stop()
	}

	forceCtx, cancel := context.WithTimeout(ctx, s.options.ForceShutdownTimeout)
	defer cancel()

	if !waitAll(forceCtx, mounters) {
		s.logger.Warnf("Mounters still running after %v, cancelling their commands", s.options.ForceShutdownTimeout)
		for _, m := range mounters {
			m.Cancel()
		}
		if !waitAll(ctx, mounters) {
			errorCollection := errors.NewErrorCollection()
			for id, m := range mounters {
				select {
				case <-m.Done():
				default:
					errorCollection.Add(errors.NewCancelledError("mounter did not stop", ctx.Err()).WithContext("resource", id.String()))
				}
			}
			s.logger.Errorf("Supervisor shutdown interrupted: %v", errorCollection.Error())
			return errorCollection.ToError()
		}
	}

	s.setState(SupervisorStateStopped)
	s.logger.Infof("Supervisor stopped")
	return nil
}

func waitAll(ctx context.Context, mounters map[config.Identity]*mounter.Mounter) bool {
	for _, m := range mounters {
		select {
		case <-m.Done():
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Identities returns the identities of the running mounters, sorted
func (s *Supervisor) Identities() []config.Identity {
	mounters := s.getAllMounters()

	ids := make([]config.Identity, 0, len(mounters))
	for id := range mounters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Source != ids[j].Source {
			return ids[i].Source < ids[j].Source
		}
		return ids[i].Section < ids[j].Section
	})
	return ids
}

// States returns a snapshot of every running mounter's state
func (s *Supervisor) States() map[config.Identity]mounter.State {
	mounters := s.getAllMounters()

	states := make(map[config.Identity]mounter.State, len(mounters))
	for id, m := range mounters {
		states[id] = m.State()
	}
	return states
}

func (s *Supervisor) GetSupervisorState() SupervisorState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// getAllMounters returns a copy of the registry under lock
func (s *Supervisor) getAllMounters() map[config.Identity]*mounter.Mounter {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	mountersCopy := make(map[config.Identity]*mounter.Mounter, len(s.mounters))
	for id, m := range s.mounters {
		mountersCopy[id] = m
	}
	return mountersCopy
}

func (s *Supervisor) setState(state SupervisorState) {
	s.mutex.Lock()
	s.state = state
	s.mutex.Unlock()
}
