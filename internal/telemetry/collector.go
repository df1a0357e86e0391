package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"previewbox/internal/reconcile"
)

// DeploymentLister lists all deployment records. *store.Store implements it.
type DeploymentLister interface {
	ListAll(ctx context.Context) ([]reconcile.DeploymentRecord, error)
}

// deploymentCollector reports the current deployment records on every scrape.
type deploymentCollector struct {
	lister DeploymentLister
	logger *slog.Logger

	deployments *prometheus.Desc
	quarantined *prometheus.Desc
}

// WatchDeployments registers a collector that reads deployment state from
// lister at scrape time.
func (m *Metrics) WatchDeployments(lister DeploymentLister, logger *slog.Logger) {
	m.registry.MustRegister(&deploymentCollector{
		lister: lister,
		logger: logger,
		deployments: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "deployments"),
			"Current number of deployments by type and health",
			[]string{"type", "state"}, nil,
		),
		quarantined: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "quarantined_deployments"),
			"Current number of deployments no longer retried at their revision",
			nil, nil,
		),
	})
}

func (c *deploymentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.deployments
	ch <- c.quarantined
}

func (c *deploymentCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	records, err := c.lister.ListAll(ctx)
	if err != nil {
		c.logger.Error("Failed to list deployments for metrics", "error", err)
		return
	}

	type key struct{ kind, state string }
	counts := map[key]int{}
	for _, k := range []reconcile.Kind{reconcile.KindPullRequest, reconcile.KindBranch} {
		counts[key{string(k), "healthy"}] = 0
		counts[key{string(k), "failing"}] = 0
	}
	quarantined := 0
	for _, rec := range records {
		state := "healthy"
		if rec.FailCount > 0 {
			state = "failing"
		}
		counts[key{string(rec.Kind), state}]++
		if rec.Quarantined() {
			quarantined++
		}
	}

	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.deployments, prometheus.GaugeValue, float64(n), k.kind, k.state)
	}
	ch <- prometheus.MustNewConstMetric(c.quarantined, prometheus.GaugeValue, float64(quarantined))
}
