package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"

	"github.com/Ruanpiscitelli/media-api2-sub000/common/consul"
	"github.com/Ruanpiscitelli/media-api2-sub000/common/metrics"
	"github.com/Ruanpiscitelli/media-api2-sub000/common/utils"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/backend"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/scheduler"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/telemetry"
)

const (
	ServiceName = "media-scheduler"
)

var (
	options      = scheduling.SchedulerOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}
}

// createTelemetryProvider returns an NVML-backed provider when real GPUs are
// requested and a simulated pool otherwise.
func createTelemetryProvider() (scheduling.TelemetryProvider, func()) {
	if options.UseRealGpus {
		provider, err := telemetry.NewNvmlProvider()
		if err != nil {
			log.Fatalf("Failed to initialize NVML: %v", err)
		}

		return provider, provider.Shutdown
	}

	globalLogger.Info("Creating a simulated pool of %d virtual GPU(s) with %.1f GiB of VRAM each.",
		options.NumVirtualGpus, options.VramPerDeviceGb)

	return telemetry.NewSimulatedProvider(&options.PoolOptions), func() {}
}

func registerWithConsul(daemonId string) *consul.Client {
	if options.ConsulAddr == "" {
		return nil
	}

	globalLogger.Info("Initializing consul agent [host: %v]...", options.ConsulAddr)

	consulClient, err := consul.NewClient(options.ConsulAddr)
	if err != nil {
		log.Fatalf("Got error while initializing consul agent: %v", err)
	}

	if err = consulClient.Register(ServiceName, daemonId, "", options.PrometheusPort); err != nil {
		log.Fatalf("Failed to register with consul: %v", err)
	}

	globalLogger.Info("Consul agent initialized")

	return consulClient
}

func main() {
	// Ensure that the options/configuration is valid.
	ValidateOptions()

	if err := options.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if options.ConsulAddr == "" {
		options.ConsulAddr = utils.GetEnv("CONSUL_ADDR", "")
	}

	globalLogger.Info(utils.LightBlueStyle.Render("Starting the GPU task scheduler with the following options:")+"\n%s\n", options.PrettyString(2))

	telemetryProvider, shutdownTelemetry := createTelemetryProvider()
	defer shutdownTelemetry()

	executionBackend := backend.NewSimulatedBackend(options.AutoCompleteExecutions)
	executionBackend.SetMetricsSink(metrics.NewPrometheusSink())

	metricsManager := metrics.NewSchedulerPrometheusManager(options.PrometheusPort)
	if err := metricsManager.Start(); err != nil {
		log.Fatalf("Failed to start the Prometheus manager: %v", err)
	}

	sched, err := scheduler.New(&options, telemetryProvider, executionBackend, metricsManager)
	if err != nil {
		log.Fatalf("Failed to construct the scheduler: %v", err)
	}

	daemonId := uuid.NewString()

	consulClient := registerWithConsul(daemonId)

	sched.Start()

	received := <-sig
	globalLogger.Info("Received signal %v. Shutting down.", received)

	if consulClient != nil {
		if err = consulClient.Deregister(daemonId); err != nil {
			globalLogger.Error("Failed to deregister from consul: %v", err)
		}
	}

	sched.Close()
	_ = metricsManager.Stop()
}
