// Package api serves the refreshed listings, cache status and pipeline
// health to dashboards and query clients.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jdholdren/lotwatch/internal/cache"
	"github.com/jdholdren/lotwatch/internal/health"
	"github.com/jdholdren/lotwatch/internal/lotwatch"
	"github.com/jdholdren/lotwatch/internal/refresh"
	"github.com/jdholdren/lotwatch/internal/serverutil"
)

type (
	// Refresher is the part of the scheduler the API drives.
	Refresher interface {
		RunCycle(ctx context.Context, t refresh.Trigger) (refresh.Result, error)
		Trigger(t refresh.Trigger)
		Running() bool
		Status() refresh.Status
	}

	Server struct {
		*http.Server

		// Durable lookups keyed by cache generation, so a new cycle invalidates them
		listingRespCache *lru.Cache[string, ListingResp]

		repo     lotwatch.ListingRepo
		cache    *cache.Cache
		sched    Refresher
		reporter health.Reporter
	}

	ServerConfig struct {
		Port       int
		CorsOrigin string
		// A synchronous refresh holds the response until the cycle finishes.
		WriteTimeout time.Duration
	}
)

func NewServer(config ServerConfig, repo lotwatch.ListingRepo, c *cache.Cache, sched Refresher, reporter health.Reporter) *Server {
	var (
		r            = serverutil.ErrRouter{Router: mux.NewRouter()}
		respCache, _ = lru.New[string, ListingResp](1024)
	)

	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Minute
	}
	if config.CorsOrigin == "" {
		config.CorsOrigin = "*"
	}

	srvr := Server{
		listingRespCache: respCache,
		repo:             repo,
		cache:            c,
		sched:            sched,
		reporter:         reporter,
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: config.WriteTimeout,
			Handler: handlers.CORS(
				handlers.AllowedOrigins([]string{config.CorsOrigin}),
				handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
				handlers.AllowedHeaders([]string{"content-type"}),
			)(r),
		},
	}

	r.Use(serverutil.AccessLogMiddleware, serverutil.RecoverMiddleware)
	r.HandleFuncE("/api/health", srvr.getHealth).Methods(http.MethodGet)
	r.HandleFuncE("/api/cache/status", srvr.getCacheStatus).Methods(http.MethodGet)
	r.HandleFuncE("/api/refresh", srvr.postRefresh).Methods(http.MethodPost)
	r.HandleFuncE("/api/ingestion-logs", srvr.getIngestionLogs).Methods(http.MethodGet)

	r.HandleFuncE("/api/listings", srvr.getListings).Methods(http.MethodGet)
	r.HandleFuncE("/api/listings/{auctionID}", srvr.getListing).Methods(http.MethodGet)

	slog.Debug("configured api server", "port", config.Port)

	return &srvr
}
