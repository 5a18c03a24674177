package metrics

import (
	"net/http"

	"github.com/core-tools/hsu-mounter/pkg/command"
	"github.com/core-tools/hsu-mounter/pkg/config"
	"github.com/core-tools/hsu-mounter/pkg/mounter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hsu_mounter"

// Command outcomes used as the "status" label
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusError   = "error"
)

// Metrics records mounter activity in its own Prometheus registry
type Metrics struct {
	registry *prometheus.Registry

	resourceState   *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	activeMounters  prometheus.Gauge
}

var _ mounter.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors. withRuntime adds the Go and process
// collectors, which tests leave out.
func NewMetrics(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		resourceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "resource_state", Help: "1 for the state each resource is currently in, 0 for the others."},
			[]string{"resource", "state"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "state_transitions_total", Help: "Total number of state transitions by target state."},
			[]string{"resource", "state"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "commands_total", Help: "Total number of user commands run, by step and outcome."},
			[]string{"resource", "step", "status"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "command_duration_seconds", Help: "Duration of user commands in seconds.", Buckets: prometheus.DefBuckets},
			[]string{"step"},
		),
		activeMounters: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "active_mounters", Help: "Number of resources currently being monitored."},
		),
	}

	m.registry.MustRegister(m.resourceState, m.transitions, m.commands, m.commandDuration, m.activeMounters)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) StateChanged(id config.Identity, from, to mounter.State) {
	resource := id.String()
	if from == "" {
		m.activeMounters.Inc()
	}
	for _, state := range mounter.AllStates {
		value := 0.0
		if state == to {
			value = 1
		}
		m.resourceState.WithLabelValues(resource, string(state)).Set(value)
	}
	if from != "" {
		m.transitions.WithLabelValues(resource, string(to)).Inc()
	}
}

func (m *Metrics) CommandCompleted(id config.Identity, step mounter.Step, result command.Result) {
	status := StatusFailure
	switch {
	case result.Err != nil:
		status = StatusError
	case result.Succeeded:
		status = StatusSuccess
	}
	m.commands.WithLabelValues(id.String(), string(step), status).Inc()
	m.commandDuration.WithLabelValues(string(step)).Observe(result.Duration.Seconds())
}

// Stopped drops the state series of a resource that is no longer monitored
func (m *Metrics) Stopped(id config.Identity, last mounter.State) {
	m.activeMounters.Dec()
	m.resourceState.DeletePartialMatch(prometheus.Labels{"resource": id.String()})
}
