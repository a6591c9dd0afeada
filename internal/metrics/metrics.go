package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the conversation flow.
type BookingMetrics struct {
	messagesTotal      *prometheus.CounterVec
	bookingsTotal      *prometheus.CounterVec
	availabilityTotal  *prometheus.CounterVec
	cancellationsTotal *prometheus.CounterVec
	handleLatency      *prometheus.HistogramVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "barbershop",
			Subsystem: "conversation",
			Name:      "messages_total",
			Help:      "Inbound messages processed, by stage reached and outcome",
		}, []string{"stage", "outcome"}),
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "barbershop",
			Subsystem: "booking",
			Name:      "commits_total",
			Help:      "Booking commit attempts by result",
		}, []string{"result"}),
		availabilityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "barbershop",
			Subsystem: "booking",
			Name:      "availability_checks_total",
			Help:      "Calendar availability checks by result",
		}, []string{"result"}),
		cancellationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "barbershop",
			Subsystem: "booking",
			Name:      "cancellations_total",
			Help:      "Customer cancellation attempts by result",
		}, []string{"result"}),
		handleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "barbershop",
			Subsystem: "conversation",
			Name:      "handle_latency_seconds",
			Help:      "Latency of processing one inbound message",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.messagesTotal, m.bookingsTotal, m.availabilityTotal, m.cancellationsTotal, m.handleLatency)
	return m
}

func (m *BookingMetrics) ObserveMessage(stage, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(stage, outcome).Inc()
	m.handleLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *BookingMetrics) ObserveBooking(result string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(result).Inc()
}

func (m *BookingMetrics) ObserveAvailability(result string) {
	if m == nil {
		return
	}
	m.availabilityTotal.WithLabelValues(result).Inc()
}

func (m *BookingMetrics) ObserveCancellation(result string) {
	if m == nil {
		return
	}
	m.cancellationsTotal.WithLabelValues(result).Inc()
}
