package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-mounter/pkg/config"
	"github.com/core-tools/hsu-mounter/pkg/control"
	"github.com/core-tools/hsu-mounter/pkg/domain"
	"github.com/core-tools/hsu-mounter/pkg/logging"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Port     int    `long:"port" description:"status port of the daemon" required:"true"`
	Resource string `long:"resource" description:"resource to query, written as section@path"`
	Verbose  bool   `short:"v" long:"verbose" description:"debug logging"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	logConfig := logging.DefaultZapConfig()
	logConfig.Level = "warning"
	if opts.Verbose {
		logConfig.Level = "debug"
	}
	zapLogger, err := logging.NewZapLogger(logConfig)
	if err != nil {
		fmt.Printf("Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := logging.NewLogger(logPrefix("hsu-mounter"), logging.LogFuncs{
		LogLevelf: zapLogger.LogLevelf,
	})

	logger.Debugf("opts: %+v", opts)

	resource := ""
	if opts.Resource != "" {
		id, err := config.ParseIdentity(opts.Resource)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		resource = id.String()
	}

	coreLogger := coreLogging.NewLogger(
		logPrefix("hsu-core"), coreLogging.LogFuncs{
			LogLevelf: zapLogger.LogLevelf,
		})

	coreConnectionOptions := coreControl.ConnectionOptions{
		AttachPort: opts.Port,
	}
	coreConnection, err := coreControl.NewConnection(coreConnectionOptions, coreLogger)
	if err != nil {
		logger.Errorf("Failed to create core connection: %v", err)
		os.Exit(1)
	}
	defer coreConnection.Shutdown()

	coreClientGateway := coreControl.NewGRPCClientGateway(coreConnection.GRPC(), coreLogger)
	gateway := control.NewGRPCClientGateway(coreConnection.GRPC(), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	retryPingOptions := coreDomain.RetryPingOptions{
		RetryAttempts: 10,
		RetryInterval: 1 * time.Second,
	}
	if err := coreDomain.RetryPing(ctx, coreClientGateway, retryPingOptions, coreLogger); err != nil {
		logger.Errorf("Failed to reach hsu-mounter: %v", err)
		os.Exit(1)
	}

	status, err := gateway.Status(ctx, resource)
	if err != nil && status == "" {
		logger.Errorf("Failed to get status: %v", err)
		os.Exit(1)
	}

	if resource == "" {
		resource = "hsu-mounter"
	}
	fmt.Printf("%s: %s\n", resource, status)
	if status != domain.StatusServing {
		os.Exit(2)
	}
}
