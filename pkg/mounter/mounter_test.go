package mounter

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-mounter/pkg/command"
	"github.com/core-tools/hsu-mounter/pkg/config"
	"github.com/core-tools/hsu-mounter/pkg/errors"
	"github.com/core-tools/hsu-mounter/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	cmd command.Command
	env []string
}

// scriptedRunner answers each command from a per-command script of outcomes.
// The last outcome repeats; unscripted commands succeed.
type scriptedRunner struct {
	mutex   sync.Mutex
	scripts map[command.Command][]bool
	calls   []recordedCall
	panicOn command.Command
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{scripts: make(map[command.Command][]bool)}
}

func (r *scriptedRunner) script(cmd command.Command, outcomes ...bool) *scriptedRunner {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.scripts[cmd] = outcomes
	return r
}

func (r *scriptedRunner) Run(ctx context.Context, cmd command.Command, env ...string) command.Result {
	r.mutex.Lock()
	r.calls = append(r.calls, recordedCall{cmd: cmd, env: env})
	succeeded := true
	if outcomes := r.scripts[cmd]; len(outcomes) > 0 {
		succeeded = outcomes[0]
		if len(outcomes) > 1 {
			r.scripts[cmd] = outcomes[1:]
		}
	}
	panicOn := r.panicOn
	r.mutex.Unlock()

	if cmd == panicOn {
		panic("runner exploded")
	}
	if succeeded {
		return command.Result{Succeeded: true}
	}
	return command.Result{ExitCode: 1}
}

func (r *scriptedRunner) count(cmd command.Command) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.cmd == cmd {
			n++
		}
	}
	return n
}

func (r *scriptedRunner) commands() []command.Command {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	cmds := make([]command.Command, 0, len(r.calls))
	for _, c := range r.calls {
		cmds = append(cmds, c.cmd)
	}
	return cmds
}

func (r *scriptedRunner) envOf(cmd command.Command) []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, c := range r.calls {
		if c.cmd == cmd {
			return c.env
		}
	}
	return nil
}

func (r *scriptedRunner) reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.calls = nil
}

type recordingObserver struct {
	mutex       sync.Mutex
	transitions [][2]State
	steps       []Step
	stopped     []State
}

func (o *recordingObserver) StateChanged(id config.Identity, from, to State) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.transitions = append(o.transitions, [2]State{from, to})
}

func (o *recordingObserver) CommandCompleted(id config.Identity, step Step, result command.Result) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.steps = append(o.steps, step)
}

func (o *recordingObserver) Stopped(id config.Identity, last State) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.stopped = append(o.stopped, last)
}

func (o *recordingObserver) stoppedCount() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return len(o.stopped)
}

func baseConfig() config.ResourceConfig {
	cfg := config.Resolve(config.Params{}, logging.NewNopLogger())
	cfg.MountCmd = "mount"
	cfg.MountSuccessCmd = "notify-success"
	cfg.MountFailureCmd = "notify-failure"
	cfg.LostMountCmd = "notify-lost"
	return cfg
}

// newWorkMounter builds a mounter whose checks are driven directly by the test
func newWorkMounter(cfg config.ResourceConfig, runner command.Runner, observer Observer) *Mounter {
	m := New(config.Identity{Source: "/etc/hsu-mounter.conf", Section: "nas"}, Options{
		Runner:   runner,
		Source:   config.NewLoader(logging.NewNopLogger()),
		Observer: observer,
	}, logging.NewNopLogger())
	m.cfg = cfg
	m.interval = intervalFor(cfg, StateInit)
	return m
}

func TestWork_NoMountTestAlwaysAttemptsMount(t *testing.T) {
	runner := newScriptedRunner()
	m := newWorkMounter(baseConfig(), runner, nil)

	for i := 0; i < 3; i++ {
		m.work()
	}

	assert.Equal(t, 3, runner.count("mount"))
	assert.Equal(t, 1, runner.count("notify-success"))
	assert.Equal(t, StateMountSuccess, m.State())
}

func TestWork_MountTestSucceedsNeverMounts(t *testing.T) {
	cfg := baseConfig()
	cfg.MountTestCmd = "test-mounted"
	runner := newScriptedRunner().script("test-mounted", true)
	m := newWorkMounter(cfg, runner, nil)

	for i := 0; i < 5; i++ {
		m.work()
		assert.Equal(t, StateMountSuccess, m.State())
	}

	assert.Equal(t, 0, runner.count("mount"))
	assert.Equal(t, 5, runner.count("test-mounted"))
	assert.Equal(t, 1, runner.count("notify-success"))
}

func TestWork_PingFailsWakesExactlyWakeAttempts(t *testing.T) {
	for _, attempts := range []int{1, 2, 5} {
		cfg := baseConfig()
		cfg.PingCmd = "ping"
		cfg.WakeCmd = "wake"
		cfg.WakeAttempts = attempts
		runner := newScriptedRunner().script("ping", false)
		m := newWorkMounter(cfg, runner, nil)

		m.work()

		assert.Equal(t, attempts, runner.count("wake"))
		assert.Equal(t, attempts+1, runner.count("ping"))
		assert.Equal(t, 0, runner.count("mount"))
		assert.Equal(t, 1, runner.count("notify-failure"))
		assert.Equal(t, []string{"REASON=" + ReasonPingFailed}, runner.envOf("notify-failure"))
		assert.Equal(t, StatePingFailure, m.State())
	}
}

func TestWork_WakeBetweenFailedPings(t *testing.T) {
	cfg := baseConfig()
	cfg.PingCmd = "ping"
	cfg.WakeCmd = "wake"
	cfg.WakeAttempts = 3
	runner := newScriptedRunner().script("ping", false, false, true)
	m := newWorkMounter(cfg, runner, nil)

	m.work()

	assert.Equal(t, []command.Command{
		"ping", "wake", "ping", "wake", "ping", "mount", "notify-success",
	}, runner.commands())
	assert.Equal(t, StateMountSuccess, m.State())
}

func TestWork_ZeroWakeAttemptsFailsOnFirstPing(t *testing.T) {
	cfg := baseConfig()
	cfg.PingCmd = "ping"
	cfg.WakeCmd = "wake"
	cfg.WakeAttempts = 0
	runner := newScriptedRunner().script("ping", false)
	m := newWorkMounter(cfg, runner, nil)

	m.work()

	assert.Equal(t, []command.Command{"ping", "notify-failure"}, runner.commands())
	assert.Equal(t, StatePingFailure, m.State())
}

func TestWork_PingWithoutWakePingsOnce(t *testing.T) {
	cfg := baseConfig()
	cfg.PingCmd = "ping"
	cfg.WakeAttempts = 4
	runner := newScriptedRunner().script("ping", false)
	m := newWorkMounter(cfg, runner, nil)

	m.work()

	assert.Equal(t, 1, runner.count("ping"))
	assert.Equal(t, 0, runner.count("mount"))
	assert.Equal(t, StatePingFailure, m.State())
}

func TestWork_PingSuccessThenMountFailure(t *testing.T) {
	cfg := baseConfig()
	cfg.PingCmd = "ping"
	runner := newScriptedRunner().script("mount", false)
	observer := &recordingObserver{}
	m := newWorkMounter(cfg, runner, observer)

	m.work()

	assert.Equal(t, StateMountFailure, m.State())
	assert.Equal(t, []string{"REASON=" + ReasonMountFailed}, runner.envOf("notify-failure"))
	assert.Equal(t, [][2]State{
		{StateInit, StatePingSuccess},
		{StatePingSuccess, StateMountFailure},
	}, observer.transitions)
	assert.Equal(t, []Step{StepPing, StepMount, StepMountFailure}, observer.steps)
}

func TestWork_MountSuccessFiresOnceWhileMounted(t *testing.T) {
	cfg := baseConfig()
	cfg.PingCmd = "ping"
	runner := newScriptedRunner()
	m := newWorkMounter(cfg, runner, nil)

	for i := 0; i < 10; i++ {
		m.work()
	}

	assert.Equal(t, 10, runner.count("mount"))
	assert.Equal(t, 1, runner.count("notify-success"))
	assert.Equal(t, StateMountSuccess, m.State())
}

func TestWork_LostMountFiresOnceBeforeFailure(t *testing.T) {
	cfg := baseConfig()
	cfg.MountTestCmd = "test-mounted"
	runner := newScriptedRunner().
		script("test-mounted", true, false).
		script("mount", false)
	m := newWorkMounter(cfg, runner, nil)

	m.work()
	require.Equal(t, StateMountSuccess, m.State())
	runner.reset()

	m.work()
	assert.Equal(t, []command.Command{"test-mounted", "mount", "notify-lost", "notify-failure"}, runner.commands())
	assert.Equal(t, StateMountFailure, m.State())
	runner.reset()

	m.work()
	assert.Equal(t, []command.Command{"test-mounted", "mount"}, runner.commands())
	assert.Equal(t, StateMountFailure, m.State())
}

func TestWork_LostMountOnPingFailure(t *testing.T) {
	cfg := baseConfig()
	cfg.MountTestCmd = "test-mounted"
	cfg.PingCmd = "ping"
	runner := newScriptedRunner().
		script("test-mounted", true, false).
		script("ping", false)
	m := newWorkMounter(cfg, runner, nil)

	m.work()
	runner.reset()
	m.work()

	assert.Equal(t, []command.Command{"test-mounted", "ping", "notify-lost", "notify-failure"}, runner.commands())
	assert.Equal(t, StatePingFailure, m.State())
}

func TestWork_FailureCommandSuppressedAcrossFailureStates(t *testing.T) {
	cfg := baseConfig()
	cfg.PingCmd = "ping"
	runner := newScriptedRunner().
		script("ping", false, true).
		script("mount", false)
	m := newWorkMounter(cfg, runner, nil)

	m.work()
	require.Equal(t, StatePingFailure, m.State())
	m.work()
	require.Equal(t, StateMountFailure, m.State())

	assert.Equal(t, 1, runner.count("notify-failure"))
	assert.Equal(t, 0, runner.count("notify-lost"))
}

func TestWork_MountTestFailsOnceThenSucceeds(t *testing.T) {
	cfg := baseConfig()
	cfg.MountTestCmd = "test-mounted"
	runner := newScriptedRunner().script("test-mounted", false, true)
	m := newWorkMounter(cfg, runner, nil)

	m.work()
	assert.Equal(t, []command.Command{"test-mounted", "mount", "notify-success"}, runner.commands())
	assert.Equal(t, StateMountSuccess, m.State())
	runner.reset()

	m.work()
	assert.Equal(t, []command.Command{"test-mounted"}, runner.commands())
	assert.Equal(t, StateMountSuccess, m.State())
}

func TestWork_PreAndPostMount(t *testing.T) {
	cfg := baseConfig()
	cfg.PreMountCmd = "pre"
	cfg.PostMountCmd = "post"

	t.Run("failures_are_not_fatal", func(t *testing.T) {
		runner := newScriptedRunner().script("pre", false).script("post", false)
		m := newWorkMounter(cfg, runner, nil)

		m.work()

		assert.Equal(t, []command.Command{"pre", "mount", "notify-success", "post"}, runner.commands())
		assert.Equal(t, StateMountSuccess, m.State())
	})

	t.Run("post_mount_skipped_on_mount_failure", func(t *testing.T) {
		runner := newScriptedRunner().script("mount", false)
		m := newWorkMounter(cfg, runner, nil)

		m.work()

		assert.Equal(t, 0, runner.count("post"))
		assert.Equal(t, StateMountFailure, m.State())
	})
}

func TestWork_NoMountCommandDoesNothing(t *testing.T) {
	cfg := baseConfig()
	cfg.MountCmd = ""
	cfg.MountTestCmd = "test-mounted"
	cfg.PingCmd = "ping"
	runner := newScriptedRunner()
	m := newWorkMounter(cfg, runner, nil)

	m.work()

	assert.Empty(t, runner.commands())
	assert.Equal(t, StateInit, m.State())
}

func TestSafeWork_RecoversPanic(t *testing.T) {
	runner := newScriptedRunner()
	runner.panicOn = "mount"
	m := newWorkMounter(baseConfig(), runner, nil)

	var err error
	assert.NotPanics(t, func() { err = m.safeWork() })
	assert.True(t, errors.IsInternalError(err))
	assert.Equal(t, StateInit, m.State())

	runner.panicOn = ""
	assert.NoError(t, m.safeWork())
}

func TestIntervalFor(t *testing.T) {
	cfg := config.ResourceConfig{
		RecheckInterval:             300,
		RecheckIntervalPingSuccess:  10,
		RecheckIntervalPingFailure:  20,
		RecheckIntervalMountSuccess: 30,
		RecheckIntervalMountFailure: 40,
	}

	tests := []struct {
		state    State
		expected int
	}{
		{StateInit, 300},
		{StatePingSuccess, 10},
		{StatePingFailure, 20},
		{StateMountSuccess, 30},
		{StateMountFailure, 40},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.expected, intervalFor(cfg, tt.state))
		})
	}
}

func TestObservers_FanOut(t *testing.T) {
	first, second := &recordingObserver{}, &recordingObserver{}
	observers := Observers{first, second}
	id := config.Identity{Source: "/etc/hsu-mounter.conf", Section: "nas"}

	observers.StateChanged(id, StateInit, StateMountSuccess)
	observers.CommandCompleted(id, StepMount, command.Result{Succeeded: true})
	observers.Stopped(id, StateMountSuccess)

	for _, o := range []*recordingObserver{first, second} {
		assert.Equal(t, [][2]State{{StateInit, StateMountSuccess}}, o.transitions)
		assert.Equal(t, []Step{StepMount}, o.steps)
		assert.Equal(t, []State{StateMountSuccess}, o.stopped)
	}
}

// ===== Polling loop =====

const testTick = 10 * time.Millisecond

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	var previous time.Time
	if info, err := os.Stat(path); err == nil {
		previous = info.ModTime()
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	// Coarse filesystem timestamps must not hide the edit
	if !previous.IsZero() {
		bumped := previous.Add(2 * time.Second)
		require.NoError(t, os.Chtimes(path, bumped, bumped))
	}
}

func startMounter(t *testing.T, id config.Identity, runner command.Runner, observer Observer) (*Mounter, *bool) {
	t.Helper()
	exited := false
	var mutex sync.Mutex
	m := New(id, Options{
		Runner:       runner,
		Source:       config.NewLoader(logging.NewNopLogger()),
		Observer:     observer,
		TickInterval: testTick,
		OnExit: func(*Mounter) {
			mutex.Lock()
			exited = true
			mutex.Unlock()
		},
	}, logging.NewNopLogger())
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		m.Stop()
		<-m.Done()
	})
	return m, &exited
}

func waitDone(t *testing.T, m *Mounter) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("mounter %s did not exit", m.Identity())
	}
}

func TestStart_Errors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mounts.conf")
	writeConfig(t, path, "[nas]\nMOUNT_CMD=mount\n")
	options := Options{Runner: newScriptedRunner(), Source: config.NewLoader(logging.NewNopLogger())}

	err := New(config.Identity{Source: filepath.Join(dir, "missing.conf"), Section: "nas"}, options, logging.NewNopLogger()).Start()
	assert.True(t, errors.IsIOError(err))

	err = New(config.Identity{Source: path, Section: "usb"}, options, logging.NewNopLogger()).Start()
	assert.True(t, errors.IsNotFoundError(err))

	err = New(config.Identity{Source: path, Section: "nas"}, Options{}, logging.NewNopLogger()).Start()
	assert.True(t, errors.IsValidationError(err))
}

func TestLoop_FirstTickWorksThenWaitsForInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mounts.conf")
	writeConfig(t, path, "[nas]\nMOUNT_CMD=mount\nRECHECK_INTERVAL_SECONDS=1000\n")
	runner := newScriptedRunner()

	m, _ := startMounter(t, config.Identity{Source: path, Section: "nas"}, runner, nil)

	require.Eventually(t, func() bool { return m.State() == StateMountSuccess }, 5*time.Second, testTick)
	time.Sleep(20 * testTick)
	assert.Equal(t, 1, runner.count("mount"))
}

func TestLoop_ShortIntervalRechecks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mounts.conf")
	writeConfig(t, path, "[nas]\nMOUNT_CMD=mount\nRECHECK_INTERVAL_SECONDS_MOUNT_SUCCESS=1\n")
	runner := newScriptedRunner()

	startMounter(t, config.Identity{Source: path, Section: "nas"}, runner, nil)

	require.Eventually(t, func() bool { return runner.count("mount") >= 3 }, 5*time.Second, testTick)
}

func TestLoop_StopExits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mounts.conf")
	writeConfig(t, path, "[nas]\nMOUNT_CMD=mount\n")
	observer := &recordingObserver{}

	m, exited := startMounter(t, config.Identity{Source: path, Section: "nas"}, newScriptedRunner(), observer)
	require.Eventually(t, func() bool { return m.State() == StateMountSuccess }, 5*time.Second, testTick)

	m.Stop()
	m.Stop()
	waitDone(t, m)

	assert.True(t, *exited)
	assert.Equal(t, 1, observer.stoppedCount())
}

func TestLoop_SectionRemovedExitsSiblingUnaffected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mounts.conf")
	writeConfig(t, path, "[nas]\nMOUNT_CMD=mount-nas\n[usb]\nMOUNT_CMD=mount-usb\n")
	runner := newScriptedRunner()

	nas, _ := startMounter(t, config.Identity{Source: path, Section: "nas"}, runner, nil)
	usb, _ := startMounter(t, config.Identity{Source: path, Section: "usb"}, runner, nil)
	require.Eventually(t, func() bool {
		return nas.State() == StateMountSuccess && usb.State() == StateMountSuccess
	}, 5*time.Second, testTick)

	writeConfig(t, path, "[usb]\nMOUNT_CMD=mount-usb\n")

	waitDone(t, nas)
	time.Sleep(10 * testTick)
	select {
	case <-usb.Done():
		t.Fatal("sibling resource exited")
	default:
	}
	assert.Equal(t, StateMountSuccess, usb.State())
}

func TestLoop_EditKeepsSiblingState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mounts.conf")
	writeConfig(t, path, "[nas]\nMOUNT_CMD=mount-nas\n[usb]\nMOUNT_CMD=mount-usb\nMOUNT_SUCCESS_CMD=usb-ok\n")
	runner := newScriptedRunner()

	nas, _ := startMounter(t, config.Identity{Source: path, Section: "nas"}, runner, nil)
	usb, _ := startMounter(t, config.Identity{Source: path, Section: "usb"}, runner, nil)
	require.Eventually(t, func() bool {
		return nas.State() == StateMountSuccess && usb.State() == StateMountSuccess
	}, 5*time.Second, testTick)

	writeConfig(t, path, "[nas]\nMOUNT_CMD=mount-nas-v2\n[usb]\nMOUNT_CMD=mount-usb\nMOUNT_SUCCESS_CMD=usb-ok\n")

	require.Eventually(t, func() bool { return runner.count("mount-nas-v2") >= 1 }, 5*time.Second, testTick)
	assert.Equal(t, StateMountSuccess, usb.State())
	assert.Equal(t, 1, runner.count("usb-ok"))
}

func TestLoop_FileDeletedExits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mounts.conf")
	writeConfig(t, path, "[nas]\nMOUNT_CMD=mount\n")

	m, exited := startMounter(t, config.Identity{Source: path, Section: "nas"}, newScriptedRunner(), nil)
	require.NoError(t, os.Remove(path))

	waitDone(t, m)
	assert.True(t, *exited)
}

func TestLoop_UnparseableReloadKeepsRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mounts.yaml")
	writeConfig(t, path, "nas:\n  MOUNT_CMD: mount\n")

	m, _ := startMounter(t, config.Identity{Source: path, Section: "nas"}, newScriptedRunner(), nil)
	require.Eventually(t, func() bool { return m.State() == StateMountSuccess }, 5*time.Second, testTick)

	writeConfig(t, path, "nas: [broken\n")
	time.Sleep(10 * testTick)

	select {
	case <-m.Done():
		t.Fatal("mounter exited on an unparseable reload")
	default:
	}
}

// blockingRunner holds every command until its context is cancelled
type blockingRunner struct {
	started chan struct{}
	once    sync.Once
}

func (r *blockingRunner) Run(ctx context.Context, cmd command.Command, env ...string) command.Result {
	r.once.Do(func() { close(r.started) })
	<-ctx.Done()
	return command.Result{ExitCode: -1, Err: ctx.Err()}
}

func TestLoop_CancelInterruptsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mounts.conf")
	writeConfig(t, path, "[nas]\nMOUNT_CMD=mount\n")
	runner := &blockingRunner{started: make(chan struct{})}

	m, _ := startMounter(t, config.Identity{Source: path, Section: "nas"}, runner, nil)
	<-runner.started

	m.Stop()
	select {
	case <-m.Done():
		t.Fatal("stop must not interrupt a running command")
	case <-time.After(5 * testTick):
	}

	m.Cancel()
	waitDone(t, m)
	assert.Equal(t, StateMountFailure, m.State())
}
