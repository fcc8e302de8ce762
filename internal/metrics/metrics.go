// Package metrics wires the Prometheus collectors exposed by the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector the broker updates, plus the
// prometheus.Registry they're registered against. Each Registry gets its
// own prometheus.Registry rather than registering into the global
// DefaultRegisterer: cmd/brokerd only ever builds one, but tests build one
// per case, and a shared global registerer would panic on the second
// NewRegistry() call with a duplicate-collector error.
type Registry struct {
	reg *prometheus.Registry

	Sessions          prometheus.Gauge
	Topics            prometheus.Gauge
	Subscriptions     prometheus.Gauge
	MessagesPublished prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesDropped   prometheus.Counter
	AcceptErrors      prometheus.Counter
	AdminErrors       *prometheus.CounterVec
}

// NewRegistry creates and registers the broker's Prometheus collectors
// against a fresh prometheus.Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)

	return &Registry{
		reg: reg,

		Sessions: fac.NewGauge(prometheus.GaugeOpts{
			Name: "broker_sessions_active",
			Help: "Number of active sessions connected to the broker.",
		}),
		Topics: fac.NewGauge(prometheus.GaugeOpts{
			Name: "broker_topics_total",
			Help: "Number of topics currently registered.",
		}),
		Subscriptions: fac.NewGauge(prometheus.GaugeOpts{
			Name: "broker_subscriptions_active",
			Help: "Number of live (topic, client-id) subscriptions.",
		}),
		MessagesPublished: fac.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_published_total",
			Help: "Total number of messages admitted by publish.",
		}),
		MessagesDelivered: fac.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_delivered_total",
			Help: "Total number of messages taken off subscriber delivery queues and sent as events.",
		}),
		MessagesDropped: fac.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_dropped_total",
			Help: "Total number of messages dropped from delivery queues under backpressure.",
		}),
		AcceptErrors: fac.NewCounter(prometheus.CounterOpts{
			Name: "broker_accept_errors_total",
			Help: "Total number of connection accept/handshake errors.",
		}),
		AdminErrors: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_admin_errors_total",
			Help: "Total number of admin surface errors, labeled by error code.",
		}, []string{"code"}),
	}
}

// Handler returns an HTTP handler exposing this Registry's collectors.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
