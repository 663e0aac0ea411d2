// Package web serves the pool's JSON status API and Prometheus metrics.
package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pooledbismuth/bismuth-pool/internal/metrics"
	"github.com/pooledbismuth/bismuth-pool/internal/p2p"
	"github.com/pooledbismuth/bismuth-pool/internal/stratum"
	"github.com/pooledbismuth/bismuth-pool/internal/types"
)

// StatusData is the body of /api/status.
type StatusData struct {
	PoolAddress string `json:"pool_address"`
	Uptime      int64  `json:"uptime_secs"`

	Active            types.ConsensusRecord `json:"active"`
	Consensus         []p2p.Candidate       `json:"consensus"`
	NetworkDifficulty *float64              `json:"network_difficulty"`

	Peers      []p2p.PeerInfo       `json:"peers"`
	Candidates []types.MiningResult `json:"candidates"`

	MinerCount int                 `json:"miner_count"`
	Miners     []stratum.MinerInfo `json:"miners"`
}

// BlockLookupFunc returns the best result archived for a block hash.
type BlockLookupFunc func(hash string) (types.MiningResult, bool, error)

// statusCache holds a cached JSON response so polling clients do not
// recompute consensus on every request.
type statusCache struct {
	mu      sync.Mutex
	data    []byte
	expires time.Time
	now     func() time.Time
}

const statusCacheTTL = 2 * time.Second

func (c *statusCache) get(dataFunc func() *StatusData) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Before(c.expires) {
		return c.data
	}
	buf, _ := json.Marshal(dataFunc())
	c.data = buf
	c.expires = c.now().Add(statusCacheTTL)
	return c.data
}

// NewHandler creates an HTTP handler serving the JSON API and metrics.
func NewHandler(dataFunc func() *StatusData, blockLookup BlockLookupFunc) http.Handler {
	mux := http.NewServeMux()
	cache := &statusCache{now: time.Now}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Write(cache.get(dataFunc))
	})

	mux.HandleFunc("/api/block/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Content-Type-Options", "nosniff")

		hash := strings.TrimPrefix(r.URL.Path, "/api/block/")
		if len(hash) != 56 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid hash length"})
			return
		}

		res, found, err := blockLookup(hash)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "lookup failed"})
			return
		}
		if !found {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "block not found"})
			return
		}

		json.NewEncoder(w).Encode(res)
	})

	mux.Handle("/metrics", metrics.Handler())

	return mux
}
