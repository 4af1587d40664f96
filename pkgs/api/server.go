// Package api binds the coordinator operations to JSON over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/7maylord/whisper/pkgs/audit"
	"github.com/7maylord/whisper/pkgs/consensus"
	"github.com/7maylord/whisper/pkgs/coordinator"
	"github.com/7maylord/whisper/pkgs/crypto"
	"github.com/7maylord/whisper/pkgs/ledger"
	"github.com/7maylord/whisper/pkgs/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AuditReader serves the persisted trail of intentions and matches
type AuditReader interface {
	History(ctx context.Context, id common.Hash) ([]audit.StateChange, error)
	Attestations(ctx context.Context, intentionID common.Hash) ([]consensus.Attestation, error)
	Match(ctx context.Context, id common.Hash) (*ledger.FinalizedMatch, error)
}

// DedupStats reports shared discovery dedup usage
type DedupStats interface {
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

// Server holds the handlers for /api/v1
type Server struct {
	coord             *coordinator.Coordinator
	signatures        *crypto.EIP712Verifier
	requireSignatures bool
	audit             AuditReader
	dedup             DedupStats
	coordinatorID     string
}

// Option customizes a Server
type Option func(*Server)

// WithSignatures enables EIP-712 signer recovery. With required set, every
// request that acts for an identity must be signed by it.
func WithSignatures(v *crypto.EIP712Verifier, required bool) Option {
	return func(s *Server) {
		s.signatures = v
		s.requireSignatures = required
	}
}

func WithAudit(r AuditReader) Option     { return func(s *Server) { s.audit = r } }
func WithDedupStats(d DedupStats) Option { return func(s *Server) { s.dedup = d } }
func WithCoordinatorID(id string) Option { return func(s *Server) { s.coordinatorID = id } }

func NewServer(coord *coordinator.Coordinator, opts ...Option) *Server {
	s := &Server{coord: coord}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with every route registered
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), requestMetrics())

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", s.Health)
		v1.GET("/stats", s.Stats)

		v1.POST("/intentions", s.SubmitIntention)
		v1.GET("/intentions/:id", s.GetIntention)
		v1.GET("/intentions/:id/round", s.RoundStatus)
		v1.GET("/intentions/:id/match", s.MatchByIntention)
		v1.GET("/intentions/:id/history", s.History)
		v1.GET("/venues/:venue/pending", s.ListPending)

		v1.POST("/verifiers", s.RegisterVerifier)
		v1.GET("/verifiers", s.ListVerifiers)
		v1.POST("/attestations", s.AttestMatch)
		v1.POST("/delegated-matches", s.CreateDelegatedMatch)

		v1.POST("/commitments", s.Commit)
		v1.GET("/commitments/:submitter", s.GetCommitment)
		v1.POST("/commitments/:submitter/reveal", s.Reveal)

		v1.GET("/matches", s.ListMatches)
		v1.GET("/matches/:id", s.GetMatch)
		v1.POST("/matches/:id/execute", s.MarkExecuted)
		v1.POST("/matches/:id/settle", s.SettleMatch)

		v1.POST("/discovery", s.ReceiveDiscovery)
		v1.GET("/discovery", s.ListDiscovered)
		v1.GET("/discovery/stats", s.DiscoveryStats)
	}
	return router
}

// NewHTTPServer wraps the router for graceful shutdown by the caller
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("API request failed")
		} else {
			entry.Debug("API request")
		}
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
