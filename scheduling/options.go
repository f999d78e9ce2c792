package scheduling

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
)

const (
	DefaultQueueCapacity      = 100
	DefaultWorkersPerPriority = 2
	DefaultAdmissionTimeout   = 5   // seconds
	DefaultRequeueBackoff     = 100 // milliseconds
	DefaultVramCeilingGb      = 48.0
	DefaultPreemptionPriority = "high"
	DefaultReferenceVramGb    = 24.0
	DefaultSampleInterval     = 1  // seconds
	DefaultEvaluateInterval   = 60 // seconds
	DefaultTemperatureLimit   = 90.0
	DefaultTemperatureWarning = 80.0
	DefaultErrorThreshold     = 5
	DefaultRecoveryCooldown   = 300 // seconds
	DefaultRecoverySamples    = 5
	DefaultMetricsInterval    = 5 // seconds
)

// GiB is the number of bytes in one gibibyte. VRAM quantities are configured
// in GiB and accounted internally in bytes.
const GiB int64 = 1024 * 1024 * 1024

// AdmissionOptions configures the admission manager and its priority queues.
type AdmissionOptions struct {
	QueueCapacity           int     `name:"queue-capacity" json:"queue_capacity" yaml:"queue-capacity" description:"Maximum number of tasks a single priority queue may hold."`
	WorkersPerPriority      int     `name:"workers-per-priority" json:"workers_per_priority" yaml:"workers-per-priority" description:"Number of concurrent scheduling workers per priority level."`
	AdmissionTimeoutSeconds int     `name:"admission-timeout" json:"admission_timeout_seconds" yaml:"admission-timeout" description:"How long Submit may block waiting for queue capacity before failing with QueueFull."`
	RequeueBackoffMillis    int     `name:"requeue-backoff-ms" json:"requeue_backoff_millis" yaml:"requeue-backoff-ms" description:"Delay before a task that failed to allocate is returned to the tail of its queue."`
	MaxTaskVramGb           float64 `name:"max-task-vram-gb" json:"max_task_vram_gb" yaml:"max-task-vram-gb" description:"Default per-task VRAM ceiling, in GiB."`
	TypeVramCeilings        string  `name:"type-vram-ceilings" json:"type_vram_ceilings" yaml:"type-vram-ceilings" description:"Optional per-type VRAM ceilings in GiB, e.g. 'image=24,speech=8,video=48'."`

	// StarvationPolicy selects how queues starved by continuous
	// higher-priority traffic are handled. The only implemented policy is
	// "none"; the option exists so that an aging policy can be introduced
	// without changing the submission surface.
	StarvationPolicy string `name:"starvation-policy" json:"starvation_policy" yaml:"starvation-policy" description:"Starvation handling policy for lower priority queues. Supported: 'none'."`

	ceilings map[string]int64
}

func (o *AdmissionOptions) Validate() error {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.WorkersPerPriority <= 0 {
		o.WorkersPerPriority = DefaultWorkersPerPriority
	}
	if o.AdmissionTimeoutSeconds <= 0 {
		o.AdmissionTimeoutSeconds = DefaultAdmissionTimeout
	}
	if o.RequeueBackoffMillis <= 0 {
		o.RequeueBackoffMillis = DefaultRequeueBackoff
	}
	if o.MaxTaskVramGb <= 0 {
		o.MaxTaskVramGb = DefaultVramCeilingGb
	}
	if o.StarvationPolicy == "" {
		o.StarvationPolicy = "none"
	}
	if o.StarvationPolicy != "none" {
		return fmt.Errorf("unsupported starvation policy \"%s\"", o.StarvationPolicy)
	}

	o.ceilings = make(map[string]int64)
	if o.TypeVramCeilings != "" {
		for _, entry := range strings.Split(o.TypeVramCeilings, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("malformed type VRAM ceiling entry \"%s\"", entry)
			}
			gb, err := strconv.ParseFloat(parts[1], 64)
			if err != nil || gb <= 0 {
				return fmt.Errorf("malformed type VRAM ceiling entry \"%s\"", entry)
			}
			o.ceilings[parts[0]] = int64(gb * float64(GiB))
		}
	}

	return nil
}

// VramCeiling returns the configured VRAM ceiling, in bytes, for the given
// task type.
func (o *AdmissionOptions) VramCeiling(taskType string) int64 {
	if ceiling, ok := o.ceilings[taskType]; ok {
		return ceiling
	}
	return int64(o.MaxTaskVramGb * float64(GiB))
}

func (o *AdmissionOptions) AdmissionTimeout() time.Duration {
	return time.Duration(o.AdmissionTimeoutSeconds) * time.Second
}

func (o *AdmissionOptions) RequeueBackoff() time.Duration {
	return time.Duration(o.RequeueBackoffMillis) * time.Millisecond
}

// PreemptionOptions configures the preemption planner.
type PreemptionOptions struct {
	// PreemptionPriority names the least urgent priority that is still
	// allowed to preempt. With the default of "high", realtime and high tasks
	// may preempt; normal and batch tasks never do. Naming the level instead
	// of its numeric value keeps the unset option distinguishable from an
	// explicit "realtime".
	PreemptionPriority string  `name:"preemption-priority" json:"preemption_priority" yaml:"preemption-priority" description:"Least urgent priority that may trigger preemption: realtime, high, normal, or batch."`
	ReferenceVramGb    float64 `name:"preemption-reference-vram-gb" json:"reference_vram_gb" yaml:"preemption-reference-vram-gb" description:"Normalization constant for the VRAM term of the victim score, in GiB."`

	priorityThreshold Priority
}

func (o *PreemptionOptions) Validate() error {
	if o.PreemptionPriority == "" {
		o.PreemptionPriority = DefaultPreemptionPriority
	}

	threshold, err := ParsePriority(o.PreemptionPriority)
	if err != nil {
		return err
	}
	o.priorityThreshold = threshold

	if o.ReferenceVramGb <= 0 {
		o.ReferenceVramGb = DefaultReferenceVramGb
	}
	return nil
}

// MaxPreemptingPriority returns the least urgent priority that may trigger
// preemption. Only meaningful after Validate.
func (o *PreemptionOptions) MaxPreemptingPriority() Priority {
	return o.priorityThreshold
}

func (o *PreemptionOptions) ReferenceVramBytes() int64 {
	return int64(o.ReferenceVramGb * float64(GiB))
}

// HealthOptions configures the telemetry sampler and the health evaluator.
type HealthOptions struct {
	SampleIntervalSeconds   int     `name:"health-sample-interval" json:"sample_interval_seconds" yaml:"health-sample-interval" description:"How often device telemetry is sampled, in seconds."`
	EvaluateIntervalSeconds int     `name:"health-evaluate-interval" json:"evaluate_interval_seconds" yaml:"health-evaluate-interval" description:"How often device health is (re)evaluated, in seconds."`
	TemperatureLimitCelsius float64 `name:"temperature-limit" json:"temperature_limit_celsius" yaml:"temperature-limit" description:"Temperature at or above which a device is marked Failed."`
	TemperatureWarnCelsius  float64 `name:"temperature-warning" json:"temperature_warn_celsius" yaml:"temperature-warning" description:"Temperature at or above which a device is marked Degraded."`
	ErrorThreshold          int     `name:"device-error-threshold" json:"error_threshold" yaml:"device-error-threshold" description:"Rolling telemetry error count at which a device is marked Failed."`
	RecoveryCooldownSeconds int     `name:"recovery-cooldown" json:"recovery_cooldown_seconds" yaml:"recovery-cooldown" description:"Minimum time a Failed device is excluded before it may recover."`
	RecoveryHealthySamples  int     `name:"recovery-healthy-samples" json:"recovery_healthy_samples" yaml:"recovery-healthy-samples" description:"Consecutive healthy samples required (after the cooldown) for a Failed device to return to Healthy."`
}

func (o *HealthOptions) Validate() error {
	if o.SampleIntervalSeconds <= 0 {
		o.SampleIntervalSeconds = DefaultSampleInterval
	}
	if o.EvaluateIntervalSeconds <= 0 {
		o.EvaluateIntervalSeconds = DefaultEvaluateInterval
	}
	if o.TemperatureLimitCelsius <= 0 {
		o.TemperatureLimitCelsius = DefaultTemperatureLimit
	}
	if o.TemperatureWarnCelsius <= 0 {
		o.TemperatureWarnCelsius = DefaultTemperatureWarning
		if o.TemperatureWarnCelsius >= o.TemperatureLimitCelsius {
			// Keep the Degraded band reachable under a low failure limit.
			o.TemperatureWarnCelsius = o.TemperatureLimitCelsius - 10
		}
	} else if o.TemperatureWarnCelsius >= o.TemperatureLimitCelsius {
		return fmt.Errorf("temperature warning threshold (%.1f°C) must be below the failure limit (%.1f°C)",
			o.TemperatureWarnCelsius, o.TemperatureLimitCelsius)
	}
	if o.ErrorThreshold <= 0 {
		o.ErrorThreshold = DefaultErrorThreshold
	}
	if o.RecoveryCooldownSeconds <= 0 {
		o.RecoveryCooldownSeconds = DefaultRecoveryCooldown
	}
	if o.RecoveryHealthySamples <= 0 {
		o.RecoveryHealthySamples = DefaultRecoverySamples
	}
	return nil
}

func (o *HealthOptions) SampleInterval() time.Duration {
	return time.Duration(o.SampleIntervalSeconds) * time.Second
}

func (o *HealthOptions) EvaluateInterval() time.Duration {
	return time.Duration(o.EvaluateIntervalSeconds) * time.Second
}

func (o *HealthOptions) RecoveryCooldown() time.Duration {
	return time.Duration(o.RecoveryCooldownSeconds) * time.Second
}

// PoolOptions configures the simulated GPU pool used when no real GPUs are
// available (use_real_gpus=false).
type PoolOptions struct {
	NumVirtualGpus  int     `name:"num-virtual-gpus" json:"num_virtual_gpus" yaml:"num-virtual-gpus" description:"Number of simulated GPU devices to create when not using real GPUs."`
	VramPerDeviceGb float64 `name:"vram-per-device-gb" json:"vram_per_device_gb" yaml:"vram-per-device-gb" description:"VRAM capacity of each simulated device, in GiB."`
	NvlinkPairs     bool    `name:"nvlink-pairs" json:"nvlink_pairs" yaml:"nvlink-pairs" description:"Pair simulated devices (0,1), (2,3), ... with NVLink."`
}

func (o *PoolOptions) Validate() error {
	if o.NumVirtualGpus <= 0 {
		o.NumVirtualGpus = 2
	}
	if o.VramPerDeviceGb <= 0 {
		o.VramPerDeviceGb = DefaultReferenceVramGb
	}
	return nil
}

func (o *PoolOptions) VramPerDeviceBytes() int64 {
	return int64(o.VramPerDeviceGb * float64(GiB))
}

// SchedulerOptions aggregates the configuration of every scheduler component.
type SchedulerOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`
	AdmissionOptions     `yaml:",inline" json:"admission_options"`
	PreemptionOptions    `yaml:",inline" json:"preemption_options"`
	HealthOptions        `yaml:",inline" json:"health_options"`
	PoolOptions          `yaml:",inline" json:"pool_options"`

	ConsulAddr             string `name:"consul" json:"consul" yaml:"consul" description:"Consul agent address for service registration. Empty disables registration."`
	PrometheusPort         int    `name:"prometheus_port" json:"prometheus_port" yaml:"prometheus_port" description:"Port on which Prometheus metrics are served. Non-positive disables the HTTP endpoint."`
	MetricsIntervalSeconds int    `name:"metrics_interval" json:"metrics_interval" yaml:"metrics_interval" description:"How often queue gauges are published, in seconds."`
	UseRealGpus            bool   `name:"use_real_gpus" json:"use_real_gpus" yaml:"use_real_gpus" description:"Enumerate devices via NVML instead of creating a simulated pool."`
	AutoCompleteExecutions bool   `name:"auto_complete_executions" json:"auto_complete_executions" yaml:"auto_complete_executions" description:"Have the simulated execution backend resolve tasks after their estimated duration (demo mode)."`
}

func (o *SchedulerOptions) Validate() error {
	if err := o.LoggerOptions.Validate(); err != nil {
		return err
	}
	if err := o.AdmissionOptions.Validate(); err != nil {
		return err
	}
	if err := o.PreemptionOptions.Validate(); err != nil {
		return err
	}
	if err := o.HealthOptions.Validate(); err != nil {
		return err
	}
	if err := o.PoolOptions.Validate(); err != nil {
		return err
	}
	if o.MetricsIntervalSeconds <= 0 {
		o.MetricsIntervalSeconds = DefaultMetricsInterval
	}
	return nil
}

func (o *SchedulerOptions) MetricsInterval() time.Duration {
	return time.Duration(o.MetricsIntervalSeconds) * time.Second
}

func (o *SchedulerOptions) String() string {
	m, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}
	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls
// json.MarshalIndent instead of json.Marshal.
func (o *SchedulerOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(o, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}
