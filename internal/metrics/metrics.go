// Package metrics exposes Prometheus collectors fed from the event stream.
// The observer is read-only: it subscribes like any other listener and
// never reaches into core state.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/taskmesh/internal/events"
)

var (
	tasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh", Name: "tasks_created_total",
		Help: "Tasks admitted into the pending queue.",
	})
	tasksOffered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh", Name: "tasks_offered_total",
		Help: "Offers sent to workers.",
	})
	tasksAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh", Name: "tasks_accepted_total",
		Help: "Offers accepted by workers.",
	})
	tasksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh", Name: "tasks_rejected_total",
		Help: "Offers declined by workers.",
	})
	tasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh", Name: "tasks_completed_total",
		Help: "Tasks closed with a submitted result.",
	})
	tasksExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh", Name: "tasks_expired_total",
		Help: "Offers and assignments taken back from workers.",
	})

	paymentsAccrued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh", Name: "payments_accrued_total",
		Help: "Payment records written to the ledger.",
	})
	paymentsAccruedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh", Name: "payments_accrued_amount_total",
		Help: "Sum of accrued reward amounts.",
	})
	paymentsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh", Name: "payments_settled_total",
		Help: "Payment batches settled by verified proofs.",
	})
	paymentsSettledAmount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh", Name: "payments_settled_amount_total",
		Help: "Sum of settled batch amounts.",
	})

	workersOnboarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh", Name: "workers_onboarded_total",
		Help: "First-time worker onboardings.",
	})
	workersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskmesh", Name: "workers_connected",
		Help: "Workers currently connected, busy ones included.",
	})

	managementCycles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskmesh", Name: "management_cycles",
		Help: "Completed management passes since start.",
	})
)

// Handler serves the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Observe consumes broker events until ctx is cancelled. The connected
// gauge is deduplicated per peer because re-onboarding an already connected
// worker publishes a connect event too.
func Observe(ctx context.Context, broker *events.Broker) {
	connected := make(map[string]struct{})

	for ev := range broker.Subscribe(ctx) {
		switch ev.Tag {
		case events.TaskCreated:
			tasksCreated.Inc()
		case events.TaskOffered:
			tasksOffered.Inc()
		case events.TaskAccepted:
			tasksAccepted.Inc()
		case events.TaskRejected:
			tasksRejected.Inc()
		case events.TaskCompleted:
			tasksCompleted.Inc()
		case events.TaskExpired:
			tasksExpired.Inc()

		case events.PaymentCreated:
			paymentsAccrued.Inc()
			if p, ok := ev.Payload.(events.PaymentPayload); ok {
				paymentsAccruedAmount.Add(float64(p.Amount))
			}
		case events.PaymentSettled:
			paymentsSettled.Inc()
			if p, ok := ev.Payload.(events.PaymentPayload); ok {
				paymentsSettledAmount.Add(float64(p.Amount))
			}

		case events.WorkerOnboarded:
			workersOnboarded.Inc()
			markConnected(connected, ev.Payload)
		case events.WorkerConnected:
			markConnected(connected, ev.Payload)
		case events.WorkerDisconnected:
			if p, ok := ev.Payload.(events.WorkerPayload); ok {
				if _, seen := connected[p.PeerID]; seen {
					delete(connected, p.PeerID)
					workersConnected.Dec()
				}
			}

		case events.Cycle:
			if p, ok := ev.Payload.(events.CyclePayload); ok {
				managementCycles.Set(float64(p.Cycle))
			}
		}
	}
}

func markConnected(connected map[string]struct{}, payload any) {
	p, ok := payload.(events.WorkerPayload)
	if !ok {
		return
	}
	if _, seen := connected[p.PeerID]; !seen {
		connected[p.PeerID] = struct{}{}
		workersConnected.Inc()
	}
}
