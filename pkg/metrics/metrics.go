// Package metrics holds the prometheus collectors of the validator and the
// relayers.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

const namespace = "ephemeral"

type ValidatorMetrics struct {
	Transactions      *prometheus.CounterVec
	DelegatedAccounts prometheus.Gauge
	ScheduledIntents  prometheus.Counter
	Settlements       *prometheus.CounterVec
	CallHandlers      *prometheus.CounterVec
	Undelegations     prometheus.Counter
}

func NewValidatorMetrics(reg prometheus.Registerer) *ValidatorMetrics {
	m := &ValidatorMetrics{
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "transactions_total",
			Help:      "Transactions processed, by bank and status.",
		}, []string{"bank", "status"}),
		DelegatedAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "delegated_accounts",
			Help:      "Accounts currently cloned into the ephemeral bank.",
		}),
		ScheduledIntents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "scheduled_intents_total",
			Help:      "Commit intents accepted from the magic context or scheduled by auto-commit.",
		}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "settlements_total",
			Help:      "Commit settlements submitted to the base bank, by status.",
		}, []string{"status"}),
		CallHandlers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "call_handlers_total",
			Help:      "Call handlers executed on the base bank, by status.",
		}, []string{"status"}),
		Undelegations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "undelegations_total",
			Help:      "Accounts returned to their owner program.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Transactions, m.DelegatedAccounts, m.ScheduledIntents, m.Settlements, m.CallHandlers, m.Undelegations)
	}
	return m
}

type RelayerMetrics struct {
	Updates       *prometheus.CounterVec
	PushLatency   prometheus.Gauge
	Reconnects    prometheus.Counter
	LlmResponses  *prometheus.CounterVec
	BlockhashAge  prometheus.Gauge
	BlockhashHits prometheus.Counter
}

func NewRelayerMetrics(reg prometheus.Registerer) *RelayerMetrics {
	m := &RelayerMetrics{
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "price_updates_total",
			Help:      "Price updates pushed on chain, by provider and status.",
		}, []string{"provider", "status"}),
		PushLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "push_latency_seconds",
			Help:      "Moving average of the time taken to land a price update.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "reconnects_total",
			Help:      "Websocket reconnect attempts.",
		}),
		LlmResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "llm_responses_total",
			Help:      "LLM oracle callbacks submitted, by status.",
		}, []string{"status"}),
		BlockhashAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "blockhash_age_seconds",
			Help:      "Age of the cached blockhash at its last refresh.",
		}),
		BlockhashHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "blockhash_reads_total",
			Help:      "Reads served from the blockhash cache.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Updates, m.PushLatency, m.Reconnects, m.LlmResponses, m.BlockhashAge, m.BlockhashHits)
	}
	return m
}

// Serve exposes the registry on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	klog.Infof("serving metrics on %s", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
