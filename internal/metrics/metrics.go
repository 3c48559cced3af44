package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WAIncomingMessages *prometheus.CounterVec
	WAOutgoingMessages *prometheus.CounterVec
	ProviderRequests   *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	ValidationFailures *prometheus.CounterVec
	StepTransitions    *prometheus.CounterVec
	LeadsCompleted     prometheus.Counter
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WAIncomingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_incoming_messages_total",
				Help:      "Total incoming WhatsApp messages by processing outcome.",
			}, []string{"outcome"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages by delivery status.",
			}, []string{"status"}),
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Total provider send attempts by body shape and status.",
			}, []string{"shape", "status"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Latency distribution for provider send attempts.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Rejected answers by step.",
			}, []string{"step"}),
			StepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_transitions_total",
				Help:      "Conversation step transitions by result.",
			}, []string{"result"}),
			LeadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leads_completed_total",
				Help:      "Conversations that reached the end of the question chain.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WAIncomingMessages,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.ProviderRequests,
			metricsInstance.ProviderLatency,
			metricsInstance.ValidationFailures,
			metricsInstance.StepTransitions,
			metricsInstance.LeadsCompleted,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}

// Incoming counts an inbound message outcome. Safe on a nil receiver.
func (m *Metrics) Incoming(outcome string) {
	if m == nil {
		return
	}
	m.WAIncomingMessages.WithLabelValues(outcome).Inc()
}

// Outgoing counts an outbound delivery result. Safe on a nil receiver.
func (m *Metrics) Outgoing(status string) {
	if m == nil {
		return
	}
	m.WAOutgoingMessages.WithLabelValues(status).Inc()
}

// ProviderAttempt records one provider send attempt. Safe on a nil receiver.
func (m *Metrics) ProviderAttempt(shape, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(shape, status).Inc()
	m.ProviderLatency.WithLabelValues(status).Observe(seconds)
}

// ValidationFailed counts a rejected answer. Safe on a nil receiver.
func (m *Metrics) ValidationFailed(step string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(step).Inc()
}

// Transition counts a step transition result. Safe on a nil receiver.
func (m *Metrics) Transition(result string) {
	if m == nil {
		return
	}
	m.StepTransitions.WithLabelValues(result).Inc()
}

// LeadCompleted counts a finished qualification. Safe on a nil receiver.
func (m *Metrics) LeadCompleted() {
	if m == nil {
		return
	}
	m.LeadsCompleted.Inc()
}

// Error counts an error for the component. Safe on a nil receiver.
func (m *Metrics) Error(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}
