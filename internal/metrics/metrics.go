// Package metrics registers the module's prometheus collectors.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SignalsRelayed counts signaling messages forwarded between peers.
	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dueli",
		Subsystem: "signaling",
		Name:      "signals_relayed_total",
		Help:      "Signaling messages relayed, by signal type.",
	}, []string{"signal_type"})

	// PeersConnected tracks peers currently attached to the relay.
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dueli",
		Subsystem: "signaling",
		Name:      "peers_connected",
		Help:      "Peers currently connected to the signaling relay.",
	})

	// ConnectionEstablished tracks whether this peer's duel connection is up.
	ConnectionEstablished = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dueli",
		Subsystem: "connection",
		Name:      "established",
		Help:      "Peer connections currently established to the counterpart.",
	})

	// ChunkKeysIssued counts upload credentials minted.
	ChunkKeysIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dueli",
		Subsystem: "chunkkey",
		Name:      "issued_total",
		Help:      "Chunk keys issued to hosts.",
	})

	// ChunksUploaded counts segments successfully uploaded.
	ChunksUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dueli",
		Subsystem: "upload",
		Name:      "chunks_total",
		Help:      "Chunks uploaded successfully.",
	})

	// ChunksDropped counts segments dropped, by reason.
	ChunksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dueli",
		Subsystem: "upload",
		Name:      "chunks_dropped_total",
		Help:      "Chunks dropped before upload, by reason.",
	}, []string{"reason"})

	// QualityDowngrades counts tier downgrade steps taken under pressure.
	QualityDowngrades = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dueli",
		Subsystem: "upload",
		Name:      "quality_downgrades_total",
		Help:      "Quality tier downgrade steps taken.",
	})
)

// Handler returns a gin handler serving the prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
