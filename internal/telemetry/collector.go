// Package telemetry exposes jobmon state as prometheus metrics. Counts are
// read from the store at scrape time; nothing is cached between scrapes.
package telemetry

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/cmn/logger/tag"
	"github.com/jobmon-org/jobmon/internal/store"
)

const collectTimeout = 5 * time.Second

// Collector implements prometheus.Collector over the jobmon store.
type Collector struct {
	startTime time.Time
	version   string
	store     *store.Store

	infoDesc         *prometheus.Desc
	uptimeDesc       *prometheus.Desc
	workflowsDesc    *prometheus.Desc
	runsDesc         *prometheus.Desc
	instancesDesc    *prometheus.Desc
	distributorsDesc *prometheus.Desc
}

func NewCollector(version string, st *store.Store) *Collector {
	return &Collector{
		startTime: time.Now(),
		version:   version,
		store:     st,

		infoDesc: prometheus.NewDesc(
			"jobmon_info",
			"Jobmon build information",
			[]string{"version", "go_version"},
			nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"jobmon_uptime_seconds",
			"Time since server start",
			nil,
			nil,
		),
		workflowsDesc: prometheus.NewDesc(
			"jobmon_workflows",
			"Number of workflows by status",
			[]string{"status"},
			nil,
		),
		runsDesc: prometheus.NewDesc(
			"jobmon_workflow_runs",
			"Number of workflow runs by status",
			[]string{"status"},
			nil,
		),
		instancesDesc: prometheus.NewDesc(
			"jobmon_task_instances",
			"Number of task instances by status",
			[]string{"status"},
			nil,
		),
		distributorsDesc: prometheus.NewDesc(
			"jobmon_distributor_instances_alive",
			"Number of distributor instances inside their report-by lease",
			nil,
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.infoDesc
	ch <- c.uptimeDesc
	ch <- c.workflowsDesc
	ch <- c.runsDesc
	ch <- c.instancesDesc
	ch <- c.distributorsDesc
}

// Collect implements prometheus.Collector. A failed store read drops the
// database-backed metrics from the scrape instead of failing the handler.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	ch <- prometheus.MustNewConstMetric(
		c.infoDesc, prometheus.GaugeValue, 1, c.version, runtime.Version())
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())

	counts, err := c.store.StatusCounts(ctx, c.store.DB())
	if err != nil {
		logger.Warn(ctx, "Metrics collection failed to read status counts", tag.Error(err))
		return
	}
	for status, n := range counts.Workflows {
		ch <- prometheus.MustNewConstMetric(
			c.workflowsDesc, prometheus.GaugeValue, float64(n), status.String())
	}
	for status, n := range counts.WorkflowRuns {
		ch <- prometheus.MustNewConstMetric(
			c.runsDesc, prometheus.GaugeValue, float64(n), status.String())
	}
	for status, n := range counts.TaskInstances {
		ch <- prometheus.MustNewConstMetric(
			c.instancesDesc, prometheus.GaugeValue, float64(n), status.String())
	}
	ch <- prometheus.MustNewConstMetric(
		c.distributorsDesc, prometheus.GaugeValue, float64(counts.AliveDistributors))
}

// NewRegistry builds the registry served on /metrics: the jobmon collector
// plus the standard Go runtime and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}
