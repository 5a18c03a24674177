package supervisor

import (
	"context"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-mounter/pkg/config"
	"github.com/core-tools/hsu-mounter/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

const DefaultPollInterval = time.Second

type RunnerOptions struct {
	Sources Sources

	// PollInterval defaults to DefaultPollInterval
	PollInterval time.Duration

	// ShutdownTimeout bounds the final Shutdown; zero waits as long as it takes
	ShutdownTimeout time.Duration
}

// Runner is the top level loop: it detects configuration changes and feeds
// the identities it finds to the supervisor.
type Runner struct {
	options    RunnerOptions
	supervisor *Supervisor
	loader     *config.Loader
	logger     logging.Logger

	sources      []source
	fingerprints map[string]fingerprint
}

func NewRunner(options RunnerOptions, supervisor *Supervisor, loader *config.Loader, logger logging.Logger) *Runner {
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	return &Runner{
		options:      options,
		supervisor:   supervisor,
		loader:       loader,
		logger:       logger,
		fingerprints: make(map[string]fingerprint),
	}
}

// Run blocks until ctx is cancelled, then shuts the supervisor down. Every
// value received on reload forces a full re-enumeration.
func (r *Runner) Run(ctx context.Context, reload <-chan struct{}) error {
	r.logger.Infof("Runner starting...")

	r.sources = activeSources(r.options.Sources, r.logger)
	if len(r.sources) == 0 {
		r.logger.Warnf("No configuration sources, nothing will be mounted")
	}

	watcher := r.newWatcher()
	var events <-chan fsnotify.Event
	var watchErrors <-chan error
	if watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		watchErrors = watcher.Errors
	}

	ticker := time.NewTicker(r.options.PollInterval)
	defer ticker.Stop()

	r.poll(false)

	for {
		select {
		case <-ctx.Done():
			r.logger.Infof("Runner received shutdown")
			return r.shutdown()

		case _, ok := <-reload:
			if !ok {
				reload = nil
				continue
			}
			r.logger.Infof("Reloading all configuration sources")
			r.poll(true)

		case <-ticker.C:
			r.poll(false)

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.logger.Debugf("Filesystem event: %s", event)
			r.poll(false)

		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			r.logger.Warnf("Filesystem watcher error: %v", err)
		}
	}
}

func (r *Runner) shutdown() error {
	ctx := context.Background()
	if r.options.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.options.ShutdownTimeout)
		defer cancel()
	}
	err := r.supervisor.Shutdown(ctx)
	r.logger.Infof("Runner stopped")
	return err
}

// poll re-enumerates every changed source, or every source when forced,
// and reconciles the identities found
func (r *Runner) poll(force bool) {
	var ids []config.Identity
	changed := false

	for _, s := range r.sources {
		current := s.fingerprint()
		previous, seen := r.fingerprints[s.path]
		if !force && seen && previous.equal(current) {
			continue
		}
		r.fingerprints[s.path] = current
		if !seen && len(current) == 0 && !force {
			continue
		}
		if seen {
			r.logger.Infof("Configs have changed in %s", s.path)
		}
		changed = true
		ids = append(ids, s.identities(r.loader)...)
	}

	if !changed {
		return
	}
	if started := r.supervisor.Reconcile(ids); started > 0 {
		r.logger.Infof("Started %d new mounters, %d running", started, len(r.supervisor.Identities()))
	}
}

// newWatcher watches the directories holding the sources so that edits are
// picked up before the next poll. Polling still works without it.
func (r *Runner) newWatcher() *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warnf("Filesystem notifications unavailable, polling only: %v", err)
		return nil
	}

	watched := make(map[string]bool)
	for _, s := range r.sources {
		dirs := []string{filepath.Dir(s.path)}
		if s.kind == sourceDir {
			dirs = append(dirs, s.path)
		}
		for _, dir := range dirs {
			if watched[dir] {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				r.logger.Debugf("Not watching %s: %v", dir, err)
				continue
			}
			watched[dir] = true
		}
	}
	return watcher
}
