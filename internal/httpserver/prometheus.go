package httpserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/gpucontrold/internal/sampler"
)

const metricsNamespace = "gpucontrold"

type gpuMetricsCollector struct {
	sampler *sampler.Manager
	metrics []gpuMetric

	temperature *prometheus.Desc
	throttle    *prometheus.Desc
}

type gpuMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(sample sampler.Sample) (float64, bool)
}

func optional[T uint8 | uint32 | uint64 | float64](value *T) (float64, bool) {
	if value == nil {
		return 0, false
	}
	return float64(*value), true
}

func newGPUMetricsCollector(samplerManager *sampler.Manager) prometheus.Collector {
	if samplerManager == nil || len(samplerManager.GPUIDs()) == 0 {
		return nil
	}

	collector := &gpuMetricsCollector{
		sampler: samplerManager,
		temperature: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "gpu", "temperature_celsius"),
			"Current sensor temperature in Celsius.",
			[]string{"gpu_id", "sensor"},
			nil,
		),
		throttle: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "gpu", "throttle_active"),
			"Set to 1 for every throttle reason the driver currently reports.",
			[]string{"gpu_id", "reason"},
			nil,
		),
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "gpu", name),
			help,
			[]string{"gpu_id"},
			nil,
		)
	}

	collector.metrics = []gpuMetric{
		{
			desc:      desc("busy_percent", "Current graphics engine busy percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				return optional(sample.Stats.BusyPercent)
			},
		},
		{
			desc:      desc("mem_busy_percent", "Current memory controller busy percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				return optional(sample.Stats.MemBusyPercent)
			},
		},
		{
			desc:      desc("core_clock_mhz", "Current core clock in MHz."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				return optional(sample.Stats.Clockspeed.GPUClockspeed)
			},
		},
		{
			desc:      desc("vram_clock_mhz", "Current memory clock in MHz."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				return optional(sample.Stats.Clockspeed.VRAMClockspeed)
			},
		},
		{
			desc:      desc("power_watts", "Current GPU power draw in Watts."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				if value, ok := optional(sample.Stats.Power.Current); ok {
					return value, true
				}
				return optional(sample.Stats.Power.Average)
			},
		},
		{
			desc:      desc("power_cap_watts", "Configured power limit in Watts."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				return optional(sample.Stats.Power.CapCurrent)
			},
		},
		{
			desc:      desc("fan_rpm", "Current fan speed in RPM."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				return optional(sample.Stats.Fan.SpeedCurrent)
			},
		},
		{
			desc:      desc("fan_pwm", "Current fan PWM duty, 0-255."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				return optional(sample.Stats.Fan.PWMCurrent)
			},
		},
		{
			desc:      desc("vram_used_bytes", "Current VRAM usage in bytes."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				return optional(sample.Stats.VRAM.Used)
			},
		},
		{
			desc:      desc("vram_total_bytes", "Total VRAM capacity in bytes."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				return optional(sample.Stats.VRAM.Total)
			},
		},
		{
			desc:      desc("processes", "Number of processes holding the device open."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				if sample.Processes == nil {
					return 0, false
				}
				return float64(len(sample.Processes.Processes)), true
			},
		},
		{
			desc:      desc("sample_timestamp_seconds", "Unix timestamp of the latest GPU sample."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				if sample.Timestamp.IsZero() {
					return 0, false
				}
				return float64(sample.Timestamp.Unix()), true
			},
		},
		{
			desc:      desc("sample_age_seconds", "Seconds elapsed since the latest GPU sample was collected."),
			valueType: prometheus.GaugeValue,
			extract: func(sample sampler.Sample) (float64, bool) {
				if sample.Timestamp.IsZero() {
					return 0, false
				}
				return max(time.Since(sample.Timestamp).Seconds(), 0), true
			},
		},
	}

	return collector
}

func (c *gpuMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
	ch <- c.temperature
	ch <- c.throttle
}

func (c *gpuMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, id := range c.sampler.GPUIDs() {
		sample, ok := c.sampler.Latest(id)
		if !ok {
			continue
		}
		for _, metric := range c.metrics {
			value, ok := metric.extract(sample)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value, id)
		}
		for sensor, temp := range sample.Stats.Temps {
			if temp.Current == nil {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.temperature, prometheus.GaugeValue, float64(*temp.Current), id, sensor)
		}
		for reason := range sample.Stats.ThrottleInfo {
			ch <- prometheus.MustNewConstMetric(c.throttle, prometheus.GaugeValue, 1, id, reason)
		}
	}
}
