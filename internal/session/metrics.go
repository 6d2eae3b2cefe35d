package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what happens in a chat session.
type Metrics struct {
	Messages        *prometheus.CounterVec
	ModelFailures   prometheus.Counter
	StreamChunks    prometheus.Counter
	PersistFailures *prometheus.CounterVec
}

// NewMetrics creates the session collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbot",
			Name:      "messages_total",
			Help:      "Finalized chat messages by author.",
		}, []string{"author"}),
		ModelFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbot",
			Name:      "model_failures_total",
			Help:      "Model calls that ended in an error.",
		}),
		StreamChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbot",
			Name:      "stream_chunks_total",
			Help:      "Partial response chunks appended to the conversation.",
		}),
		PersistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbot",
			Name:      "persist_failures_total",
			Help:      "Message writes the store rejected.",
		}, []string{"reason"}),
	}
}
