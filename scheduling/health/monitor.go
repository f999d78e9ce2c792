package health

import (
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/Ruanpiscitelli/media-api2-sub000/common/utils"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/pool"
)

// Monitor runs two independent periodic loops against the device pool: a fast
// telemetry sampler and a slower health evaluator. The sampler only records
// observations; all health state transitions happen in the evaluator, so the
// two cadences can be tuned independently.
//
// SampleOnce and EvaluateOnce are exported so a single pass of either loop
// can be driven directly.
type Monitor struct {
	log logger.Logger

	telemetry scheduling.TelemetryProvider
	registry  *pool.Registry
	failover  scheduling.FailoverHandler
	metrics   scheduling.MetricsProvider

	opts *scheduling.HealthOptions

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	loops     sync.WaitGroup
}

func NewMonitor(telemetry scheduling.TelemetryProvider, registry *pool.Registry, failover scheduling.FailoverHandler, metrics scheduling.MetricsProvider, opts *scheduling.HealthOptions) *Monitor {
	monitor := &Monitor{
		telemetry: telemetry,
		registry:  registry,
		failover:  failover,
		metrics:   metrics,
		opts:      opts,
		closed:    make(chan struct{}),
	}
	config.InitLogger(&monitor.log, monitor)

	return monitor
}

// Start launches the sampling and evaluation loops.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.loops.Add(2)
		go m.runLoop(m.opts.SampleInterval(), m.SampleOnce)
		go m.runLoop(m.opts.EvaluateInterval(), m.EvaluateOnce)

		m.log.Info("Health monitor started (sampling every %v, evaluating every %v).",
			m.opts.SampleInterval(), m.opts.EvaluateInterval())
	})
}

// Close stops both loops and waits for them to exit.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.loops.Wait()
	})
}

func (m *Monitor) runLoop(interval time.Duration, tick func()) {
	defer m.loops.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			tick()
		}
	}
}

// SampleOnce queries utilization, memory, and temperature for every device
// and records the observations in the registry and the metrics provider. A
// device whose telemetry cannot be read has its rolling error counter
// incremented instead.
func (m *Monitor) SampleOnce() {
	for _, device := range m.registry.Snapshot() {
		utilization, err := m.telemetry.Utilization(device.Index)
		if err != nil {
			m.recordError(device.ID, err)
			continue
		}

		temperature, err := m.telemetry.Temperature(device.Index)
		if err != nil {
			m.recordError(device.ID, err)
			continue
		}

		total, used, err := m.telemetry.MemoryInfo(device.Index)
		if err != nil {
			m.recordError(device.ID, err)
			continue
		}

		if err = m.registry.UpdateTelemetry(device.ID, utilization, temperature, used, m.opts.TemperatureWarnCelsius); err != nil {
			m.log.Error("Failed to record telemetry sample for device %s: %v.", device.ID, err)
			continue
		}

		if m.metrics != nil {
			m.metrics.SetDeviceUtilization(device.ID, utilization)
			m.metrics.SetDeviceMemory(device.ID, float64(used), float64(total))
			m.metrics.SetDeviceTemperature(device.ID, temperature)
		}
	}
}

func (m *Monitor) recordError(gpuID string, cause error) {
	count, err := m.registry.RecordDeviceError(gpuID)
	if err != nil {
		return
	}

	m.log.Warn(utils.YellowStyle.Render("Telemetry read failed for device %s (rolling error count now %d): %v."), gpuID, count, cause)
}

// EvaluateOnce applies the health policy to the latest samples of every
// device.
//
// A Healthy or Degraded device is marked Failed when its temperature reaches
// the hard limit or its rolling error count exceeds the threshold; marking a
// device Failed immediately excludes it from allocation and hands its running
// tasks to the failover handler. The warning temperature band maps to
// Degraded. A Failed device returns to Healthy only after the recovery
// cooldown has elapsed and it has produced enough consecutive healthy
// samples.
func (m *Monitor) EvaluateOnce() {
	for _, device := range m.registry.Snapshot() {
		switch device.Health {
		case scheduling.HealthFailed:
			m.maybeRecover(device)
		default:
			m.evaluateLive(device)
		}
	}
}

func (m *Monitor) evaluateLive(device pool.DeviceSnapshot) {
	if device.Temperature >= m.opts.TemperatureLimitCelsius || device.ErrorCount > m.opts.ErrorThreshold {
		m.log.Error(utils.RedStyle.Render("Marking device %s as Failed (temperature=%.1f°C, rolling error count=%d)."),
			device.ID, device.Temperature, device.ErrorCount)

		if err := m.registry.MarkHealth(device.ID, scheduling.HealthFailed); err != nil {
			return
		}

		if m.metrics != nil {
			m.metrics.IncrementDeviceFailures()
		}

		if m.failover != nil {
			m.failover.HandleDeviceFailure(device.ID)
		}

		return
	}

	if device.Temperature >= m.opts.TemperatureWarnCelsius {
		if device.Health != scheduling.HealthDegraded {
			m.log.Warn(utils.OrangeStyle.Render("Marking device %s as Degraded (temperature=%.1f°C)."), device.ID, device.Temperature)
			_ = m.registry.MarkHealth(device.ID, scheduling.HealthDegraded)
		}
		return
	}

	if device.Health == scheduling.HealthDegraded {
		m.log.Info("Device %s has cooled down (%.1f°C). Marking it Healthy again.", device.ID, device.Temperature)
		_ = m.registry.MarkHealth(device.ID, scheduling.HealthHealthy)
	}
}

func (m *Monitor) maybeRecover(device pool.DeviceSnapshot) {
	if time.Since(device.FailedAt) < m.opts.RecoveryCooldown() {
		return
	}

	if device.HealthyStreak < m.opts.RecoveryHealthySamples {
		return
	}

	m.log.Info(utils.GreenStyle.Render("Device %s has produced %d consecutive healthy samples since its cooldown. Returning it to service."),
		device.ID, device.HealthyStreak)

	_ = m.registry.MarkHealth(device.ID, scheduling.HealthHealthy)
}
