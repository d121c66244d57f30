package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/LeventeLantos/mediasync/internal/model"
	"github.com/LeventeLantos/mediasync/internal/service"
	"github.com/LeventeLantos/mediasync/internal/syncer"
)

const (
	sweepResultProcessed = "processed"
	sweepResultSkipped   = "skipped"
	sweepResultFailed    = "failed"
)

var (
	GroupSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasync_group_syncs_total",
		Help: "Group sync runs by outcome",
	}, []string{"outcome"})

	RecordsSynced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediasync_records_synced_total",
		Help: "Records written with their group's analyzed content",
	})

	RecordsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediasync_records_failed_total",
		Help: "Records moved to error during a group sync",
	})

	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasync_retries_total",
		Help: "Retried attempts by operation",
	}, []string{"op"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mediasync_sweep_duration_seconds",
		Help:    "Duration of a sweep over unfinished groups",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	SweepGroups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasync_sweep_groups_total",
		Help: "Groups visited by sweeps by result",
	}, []string{"result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasync_http_requests_total",
		Help: "HTTP requests served by method and status",
	}, []string{"method", "status"})
)

// RecordRetry matches retry.Policy.OnRetry.
func RecordRetry(op string, _ int, _ time.Duration, _ error) {
	Retries.WithLabelValues(op).Inc()
}

func RecordHTTPRequest(method string, status int) {
	HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func ObserveSync(res syncer.Result) {
	GroupSyncs.WithLabelValues(string(res.Outcome)).Inc()
	RecordsSynced.Add(float64(len(res.Updated)))
	RecordsFailed.Add(float64(len(res.Failed)))
}

func ObserveSyncFailure() {
	GroupSyncs.WithLabelValues(string(model.Error)).Inc()
}

func ObserveSweep(sum service.Summary) {
	SweepDuration.Observe(sum.Duration.Seconds())
	SweepGroups.WithLabelValues(sweepResultProcessed).Add(float64(sum.GroupsProcessed))
	SweepGroups.WithLabelValues(sweepResultSkipped).Add(float64(sum.GroupsSkipped))
	SweepGroups.WithLabelValues(sweepResultFailed).Add(float64(sum.GroupsFailed))
}

// Hooks feeds orchestrator callbacks into the metrics above.
func Hooks() service.Hooks {
	return service.Hooks{
		OnSynced: func(_ context.Context, res syncer.Result) { ObserveSync(res) },
		OnFailed: func(context.Context, string, error) { ObserveSyncFailure() },
		OnSweep:  func(_ context.Context, sum service.Summary) { ObserveSweep(sum) },
	}
}
