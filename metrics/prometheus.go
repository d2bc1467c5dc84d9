package metrics

import (
	"selfplay/engine"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GlobalStep = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "selfplay_global_step",
		Help: "Completed training episodes accepted by the parameter holder",
	})

	Updates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfplay_updates_total",
		Help: "Parameter update requests by result (applied, duplicate, rejected)",
	}, []string{"result"})

	Episodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfplay_episodes_total",
		Help: "Episodes played by role",
	}, []string{"role"})

	Checkpoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "selfplay_checkpoints_total",
		Help: "Checkpoints written by the parameter holder",
	})

	EvaluationGames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfplay_evaluation_games_total",
		Help: "Evaluation games by side played and result",
	}, []string{"side", "result"})

	EpisodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "selfplay_episode_duration_seconds",
		Help:    "Wall time of one training episode including search",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	SearchNodes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "selfplay_search_nodes",
		Help:    "Nodes visited by one move search",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	}, []string{"role"})

	SearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "selfplay_search_duration_seconds",
		Help:    "Wall time of one move search",
		Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12),
	}, []string{"role"})

	SearchLeafEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfplay_search_leaf_evaluations_total",
		Help: "Value network evaluations made by the search",
	}, []string{"role"})

	SearchTableHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfplay_search_table_hits_total",
		Help: "Transposition table cutoffs taken by the search",
	}, []string{"role"})

	RoleState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "selfplay_role_state",
		Help: "Current lifecycle state of a role process (0 starting .. 4 failed)",
	}, []string{"role", "index"})
)

// ObserveReport adds an evaluation report to the game counters.
func ObserveReport(report engine.Report) {
	observeSide("first", report.First)
	observeSide("second", report.Second)
}

func observeSide(side string, r engine.SideResult) {
	EvaluationGames.WithLabelValues(side, "win").Add(float64(r.Win))
	EvaluationGames.WithLabelValues(side, "draw").Add(float64(r.Draw))
	EvaluationGames.WithLabelValues(side, "loss").Add(float64(r.Loss))
}

func ObserveSearch(role string, m SearchMetric) {
	SearchNodes.WithLabelValues(role).Observe(float64(m.Nodes))
	SearchDuration.WithLabelValues(role).Observe(m.Duration.Seconds())
	SearchLeafEvaluations.WithLabelValues(role).Add(float64(m.LeafEvaluations))
	SearchTableHits.WithLabelValues(role).Add(float64(m.TableHits))
}

func SetRoleState(role string, index int, state int) {
	RoleState.WithLabelValues(role, strconv.Itoa(index)).Set(float64(state))
}
