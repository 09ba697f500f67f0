package link

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Stats counts link traffic and failures.
type Stats struct {
	CommandsSent      prometheus.Counter
	ResponsesReceived prometheus.Counter
	ResponsesLost     prometheus.Counter
	Reframes          prometheus.Counter
	Retries           prometheus.Counter
	Resets            prometheus.Counter
	DeviceErrors      prometheus.Counter
	ConsecutiveErrors prometheus.Gauge
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	CommandsSent      uint64
	ResponsesReceived uint64
	ResponsesLost     uint64
	Reframes          uint64
	Retries           uint64
	Resets            uint64
	DeviceErrors      uint64
	ConsecutiveErrors int
}

// ResponseRate is responses received per command sent, in percent.
func (s StatsSnapshot) ResponseRate() float64 {
	if s.CommandsSent == 0 {
		return 0
	}
	return float64(s.ResponsesReceived) * 100 / float64(s.CommandsSent)
}

// NewStats creates the link metrics and registers them with reg when non-nil.
func NewStats(reg prometheus.Registerer) *Stats {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvmlink",
			Subsystem: "serial",
			Name:      name,
			Help:      help,
		})
	}
	s := &Stats{
		CommandsSent:      counter("commands_sent_total", "Frames written to the serial port."),
		ResponsesReceived: counter("responses_received_total", "Valid frames read from the serial port."),
		ResponsesLost:     counter("responses_lost_total", "Commands whose response never arrived."),
		Reframes:          counter("reframes_total", "Inbound stream resynchronisations."),
		Retries:           counter("retries_total", "Commands repeated after a failed attempt."),
		Resets:            counter("resets_total", "Device resets issued."),
		DeviceErrors:      counter("device_errors_total", "Error responses reported by the device."),
		ConsecutiveErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvmlink",
			Subsystem: "serial",
			Name:      "consecutive_errors",
			Help:      "Failed exchanges since the last good response.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.CommandsSent, s.ResponsesReceived, s.ResponsesLost, s.Reframes,
			s.Retries, s.Resets, s.DeviceErrors, s.ConsecutiveErrors)
	}
	return s
}

// Snapshot reads every metric.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		CommandsSent:      counterValue(s.CommandsSent),
		ResponsesReceived: counterValue(s.ResponsesReceived),
		ResponsesLost:     counterValue(s.ResponsesLost),
		Reframes:          counterValue(s.Reframes),
		Retries:           counterValue(s.Retries),
		Resets:            counterValue(s.Resets),
		DeviceErrors:      counterValue(s.DeviceErrors),
		ConsecutiveErrors: int(gaugeValue(s.ConsecutiveErrors)),
	}
}

func (s *Stats) failure() { s.ConsecutiveErrors.Inc() }
func (s *Stats) success() { s.ConsecutiveErrors.Set(0) }

func counterValue(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
