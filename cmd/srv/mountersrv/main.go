package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-mounter/pkg/command"
	"github.com/core-tools/hsu-mounter/pkg/config"
	"github.com/core-tools/hsu-mounter/pkg/control"
	"github.com/core-tools/hsu-mounter/pkg/errors"
	"github.com/core-tools/hsu-mounter/pkg/logging"
	"github.com/core-tools/hsu-mounter/pkg/metrics"
	"github.com/core-tools/hsu-mounter/pkg/mounter"
	"github.com/core-tools/hsu-mounter/pkg/processfile"
	"github.com/core-tools/hsu-mounter/pkg/supervisor"

	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	ConfFile         string `short:"c" long:"conffile" description:"configuration file to watch"`
	ConfDir          string `short:"d" long:"confdir" description:"directory of configuration files to watch"`
	LogFile          string `short:"l" long:"logfile" description:"log file, rotated at 2 MiB"`
	LogLevel         string `short:"v" long:"loglevel" description:"log level" choice:"critical" choice:"error" choice:"warning" choice:"info" choice:"debug" default:"info"`
	PlatformDefaults bool   `short:"m" long:"platformdefaults" description:"log to the platform default log file unless --logfile is given"`
	NoStdout         bool   `short:"o" long:"nostdout" description:"only warnings and errors on stdout"`

	CommandTimeout       time.Duration `long:"command-timeout" description:"kill user commands running longer than this, 0 waits forever" default:"0s"`
	ForceShutdownTimeout time.Duration `long:"force-shutdown-timeout" description:"on shutdown, kill running commands after this long" default:"30s"`
	MetricsAddress       string        `long:"metrics-address" description:"serve Prometheus metrics on this address, e.g. localhost:9361"`
	StatusPort           int           `long:"status-port" description:"serve per-resource gRPC health status on this localhost port"`
	LockFile             string        `long:"lock-file" description:"single instance lock file, defaults to a per-user runtime path"`
	NoLock               bool          `long:"no-lock" description:"allow more than one instance"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			return 0
		}
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		return 1
	}

	processFileConfig := processfile.GetRecommendedProcessFileConfig("user", "")

	logConfig := logging.DefaultZapConfig()
	logConfig.Level = opts.LogLevel
	logConfig.Stdout = !opts.NoStdout
	logConfig.File = opts.LogFile
	if logConfig.File == "" && opts.PlatformDefaults {
		logConfig.File = processfile.NewProcessFileManager(processFileConfig, logging.NewNopLogger()).DefaultLogFilePath()
	}
	if logConfig.File != "" {
		if err := processfile.ValidatePIDFileDirectory(logConfig.File); err != nil {
			fmt.Printf("Log file is not usable: %v\n", err)
			if errors.IsPermissionError(err) {
				fmt.Println("Pick a writable location with --logfile")
			}
			return 1
		}
	}

	zapLogger, err := logging.NewZapLogger(logConfig)
	if err != nil {
		fmt.Printf("Failed to set up logging: %v\n", err)
		return 1
	}
	defer zapLogger.Sync()

	logger := logging.NewLogger(logPrefix("hsu-mounter"), logging.LogFuncs{
		LogLevelf: zapLogger.LogLevelf,
	})

	logger.Infof("opts: %+v", opts)
	logger.Infof("Starting...")

	processFiles := processfile.NewProcessFileManager(processFileConfig, logger)

	if !opts.NoLock {
		lock, err := processFiles.AcquireLock(opts.LockFile)
		if err != nil {
			logger.Errorf("Failed to acquire instance lock: %v", err)
			if errors.IsConflictError(err) {
				logger.Errorf("Another hsu-mounter is running, use --no-lock to run several")
			} else if errors.IsPermissionError(err) {
				logger.Errorf("Pick a writable location with --lock-file")
			}
			return 1
		}
		defer lock.Release()
	}

	var observers mounter.Observers
	shutdownCtx := context.Background()

	if opts.MetricsAddress != "" {
		mounterMetrics := metrics.NewMetrics(true)
		metricsServer, err := metrics.NewServer(opts.MetricsAddress, mounterMetrics, logger)
		if err != nil {
			logger.Errorf("Failed to create metrics server: %v", err)
			return 1
		}
		metricsServer.Start()
		defer metricsServer.Shutdown(shutdownCtx)
		observers = append(observers, mounterMetrics)
	}

	if opts.StatusPort != 0 {
		coreLogger := coreLogging.NewLogger(
			logPrefix("hsu-core"), coreLogging.LogFuncs{
				LogLevelf: zapLogger.LogLevelf,
			})

		statusHandler := control.NewStatusHandler(logger)
		statusServer, err := control.NewServer(opts.StatusPort, statusHandler, coreLogger)
		if err != nil {
			logger.Errorf("Failed to create status server: %v", err)
			return 1
		}
		statusServer.Start(shutdownCtx)
		defer statusServer.Shutdown(shutdownCtx)
		defer statusHandler.Shutdown()
		observers = append(observers, statusHandler)
	}

	sources := supervisor.Sources{
		ConfFile: opts.ConfFile,
		ConfDir:  opts.ConfDir,
	}
	if sources.ConfFile == "" && sources.ConfDir == "" {
		sources.DefaultFile = processFiles.DefaultConfigFile()
		sources.DefaultDir = processFiles.DefaultConfigDir()
	}

	commandRunner := command.NewShellRunner(command.ShellRunnerOptions{Timeout: opts.CommandTimeout}, logger)
	loader := config.NewLoader(logger)
	mounterSupervisor := supervisor.NewSupervisor(supervisor.SupervisorOptions{
		ForceShutdownTimeout: opts.ForceShutdownTimeout,
	}, commandRunner, loader, observers, logger)
	runner := supervisor.NewRunner(supervisor.RunnerOptions{Sources: sources}, mounterSupervisor, loader, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reload := make(chan struct{}, 1)

	logger.Infof("Enabling signal handling...")
	stopSignals := handleSignals(cancel, reload, logger)
	defer stopSignals()

	if err := runner.Run(ctx, reload); err != nil {
		logger.Errorf("Runner stopped with errors: %v", err)
	}

	logger.Infof("Hasta La Vista. Baby.")
	return 0
}

// handleSignals maps SIGINT/SIGTERM to shutdown and SIGHUP to reload
func handleSignals(shutdown context.CancelFunc, reload chan<- struct{}, logger logging.Logger) func() {
	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case receivedSignal := <-sig:
				logger.Infof("Received signal: %v", receivedSignal)
				if receivedSignal == syscall.SIGHUP {
					select {
					case reload <- struct{}{}:
					default:
						// A reload is already pending
					}
					continue
				}
				shutdown()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sig)
		close(done)
	}
}
