// Package metrics exposes Prometheus collectors for the pool.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bismuthpool"

var (
	ProofsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proofs_accepted_total",
		Help:      "Valid proofs recorded against the active consensus block.",
	})

	ProofsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proofs_rejected_total",
		Help:      "Proofs that failed verification.",
	})

	ProofsTraining = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proofs_training_total",
		Help:      "Valid proofs against a stale or training block hash.",
	})

	Strikes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "abuse_strikes_total",
		Help:      "Abuse strikes issued.",
	})

	IPsBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "abuse_blocks_total",
		Help:      "IPs blocked after reaching the strike limit.",
	})

	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Peer sessions currently open.",
	})

	PeersSynced = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_synced",
		Help:      "Peer sessions whose tip matches the remote tip.",
	})

	MinersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "miners_connected",
		Help:      "Miner sessions currently open.",
	})

	ConsensusHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consensus_height",
		Help:      "Height of the active consensus block.",
	})

	NetworkDifficulty = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "network_difficulty",
		Help:      "Average difficulty estimate across reporting peers.",
	})

	HighestDifficulty = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "highest_difficulty",
		Help:      "Highest proof difficulty seen for the active block.",
	})

	BlockSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_submissions_total",
		Help:      "Signed reward transactions sent to peers, by outcome.",
	}, []string{"result"})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
