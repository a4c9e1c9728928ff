// Package router wires up the gateway routes and applies the middleware
// chain (ConnID → Metrics → CORS).
package router

import (
	"net/http"
	"time"

	gwmw "github.com/hayes/lecturesync/internal/gateway/middleware"
	"github.com/hayes/lecturesync/internal/statusapi"
	"github.com/hayes/lecturesync/pkg/health"
	"github.com/hayes/lecturesync/pkg/metrics"
	pkgmw "github.com/hayes/lecturesync/pkg/middleware"
)

// Deps are the handlers the router mounts. Metrics may be nil; a zero
// APITimeout leaves the status API unbounded.
type Deps struct {
	WebSocket      http.Handler
	Status         *statusapi.Handler
	Health         *health.Checker
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	APITimeout     time.Duration
}

// New builds the full gateway HTTP handler with all routes and middleware.
//
// Route table:
//
//	GET /                           → WebSocket upgrade (capture client)
//	GET /ws                         → WebSocket upgrade
//	GET /api/v1/events              → recent outcomes   (ledger)
//	GET /api/v1/events/{messageId}  → one outcome       (receipt cache, ledger)
//	GET /api/v1/queue               → queue depth and open connections
//	GET /api/v1/stats               → aggregated outcome stats
//	GET /health/live                → liveness
//	GET /health/ready               → readiness
//
// Middleware chain (outermost first):
//
//	ConnID → Metrics → CORS → handler (status API routes add Timeout)
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	// WebSocket
	mux.Handle("GET /{$}", d.WebSocket)
	mux.Handle("GET /ws", d.WebSocket)

	// Status API
	api := func(h http.HandlerFunc) http.Handler {
		if d.APITimeout > 0 {
			return pkgmw.Timeout(d.APITimeout)(h)
		}
		return h
	}
	mux.Handle("GET /api/v1/events", api(d.Status.ListEvents))
	mux.Handle("GET /api/v1/events/{messageId}", api(d.Status.GetEvent))
	mux.Handle("GET /api/v1/queue", api(d.Status.Queue))
	mux.Handle("GET /api/v1/stats", api(d.Status.Stats))

	// Health
	mux.HandleFunc("GET /health/live", d.Health.LiveHandler())
	mux.HandleFunc("GET /health/ready", d.Health.ReadyHandler())

	var chain http.Handler = mux
	chain = gwmw.CORS(gwmw.DefaultCORSConfig(d.AllowedOrigins))(chain)
	if d.Metrics != nil {
		chain = pkgmw.Metrics(d.Metrics)(chain)
	}
	chain = pkgmw.ConnID(chain)

	return chain
}
