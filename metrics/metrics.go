package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "device_agent"

var (
	registerOnce sync.Once

	provisionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "attempts_total",
			Help:      "Provisioning requests by outcome.",
		},
		[]string{"outcome"},
	)
	otaAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ota",
			Name:      "attempts_total",
			Help:      "Firmware update attempts by outcome.",
		},
		[]string{"outcome"},
	)
	otaDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ota",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a firmware update attempt in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	otaBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ota",
			Name:      "bytes_written_total",
			Help:      "Firmware bytes written to partitions.",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "commands_total",
			Help:      "Commands received on the command channel.",
		},
		[]string{"command", "accepted"},
	)
	channelState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "state",
			Help:      "Current command channel state (1 for the active state).",
		},
		[]string{"state"},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reconnects_total",
			Help:      "Command channel reconnect attempts.",
		},
	)
	reassemblyOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reassembly_overflows_total",
			Help:      "Inbound messages dropped because they exceeded the reassembly buffer.",
		},
	)
	publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "publishes_total",
			Help:      "Outbound publishes by topic and outcome.",
		},
		[]string{"topic", "success"},
	)
	phase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "phase",
			Help:      "Current supervisor phase (1 for the active phase).",
		},
		[]string{"phase"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			provisionAttempts, otaAttempts, otaDuration, otaBytes,
			commands, channelState, reconnects, reassemblyOverflows, publishes,
			phase,
		)
	})
}

func RecordProvisionAttempt(outcome string) {
	RegisterMetrics()
	provisionAttempts.WithLabelValues(outcome).Inc()
}

func RecordOtaAttempt(outcome string, duration time.Duration, bytesWritten int64) {
	RegisterMetrics()
	otaAttempts.WithLabelValues(outcome).Inc()
	otaDuration.Observe(duration.Seconds())
	otaBytes.Add(float64(bytesWritten))
}

func RecordCommand(command string, accepted bool) {
	RegisterMetrics()
	commands.WithLabelValues(command, strconv.FormatBool(accepted)).Inc()
}

// SetChannelState marks state as the only active channel state.
func SetChannelState(state string, all []string) {
	RegisterMetrics()
	for _, s := range all {
		channelState.WithLabelValues(s).Set(0)
	}
	channelState.WithLabelValues(state).Set(1)
}

func RecordReconnect() {
	RegisterMetrics()
	reconnects.Inc()
}

func RecordReassemblyOverflow() {
	RegisterMetrics()
	reassemblyOverflows.Inc()
}

func RecordPublish(topic string, success bool) {
	RegisterMetrics()
	publishes.WithLabelValues(topic, strconv.FormatBool(success)).Inc()
}

// SetPhase marks current as the only active supervisor phase.
func SetPhase(current string, all []string) {
	RegisterMetrics()
	for _, p := range all {
		phase.WithLabelValues(p).Set(0)
	}
	phase.WithLabelValues(current).Set(1)
}
