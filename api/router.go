package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/dreamforge/api/handlers"
	"github.com/BaSui01/dreamforge/internal/metrics"
	"github.com/BaSui01/dreamforge/store"
)

// RouterConfig carries the router's operational settings.
type RouterConfig struct {
	Version   string
	BuildTime string
	GitCommit string

	// Requests per second; zero disables rate limiting.
	RateLimit float64
	RateBurst int
}

// NewRouter wires the handlers, middleware chain and metrics endpoint
// into one http.Handler.
func NewRouter(p handlers.Pipeline, st store.Store, collector *metrics.Collector, cfg RouterConfig, logger *zap.Logger) http.Handler {
	gen := handlers.NewGenerationHandler(p, logger)
	health := handlers.NewHealthHandler(logger)
	health.RegisterCheck(handlers.NewStoreHealthCheck("store", st.Ping))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/generations", gen.HandleCreate)
	mux.HandleFunc("GET /v1/generations", gen.HandleList)
	mux.HandleFunc("GET /v1/generations/{id}", gen.HandleGet)
	mux.HandleFunc("DELETE /v1/generations/{id}", gen.HandleCancel)
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(cfg.Version, cfg.BuildTime, cfg.GitCommit))
	mux.Handle("GET /metrics", promhttp.Handler())

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return Chain(mux,
		Recovery(logger),
		RequestID(),
		RequestLogger(logger),
		RateLimit(limiter, logger),
		Metrics(collector),
	)
}
