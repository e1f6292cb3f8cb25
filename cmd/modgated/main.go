package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/icebiz/modgate/internal/access"
	"github.com/icebiz/modgate/internal/admin"
	"github.com/icebiz/modgate/internal/api"
	"github.com/icebiz/modgate/internal/config"
	"github.com/icebiz/modgate/internal/engine"
	"github.com/icebiz/modgate/internal/grants"
	"github.com/icebiz/modgate/internal/logger"
	"github.com/icebiz/modgate/internal/metrics"
	"github.com/icebiz/modgate/internal/notify"
	"github.com/icebiz/modgate/internal/reconcile"
	"github.com/icebiz/modgate/internal/registry"
	"github.com/icebiz/modgate/internal/server"
	"github.com/icebiz/modgate/internal/vault"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "modgated: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.ServiceName, os.Stdout).SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("modgated stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("starting modgate daemon")

	// 1. Module catalog and the mapping document
	reg := registry.New(registry.DefaultCatalog())
	persist, err := engine.NewPersistence(cfg.Document.Path, cfg.Document.LegacyPaths, cfg.Document.IOTimeout)
	if err != nil {
		return fmt.Errorf("initialize persistence: %w", err)
	}

	// 2. Native grant store
	store, closeStore, err := openStore(ctx, cfg, reg, persist, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Engine, synchronizer, decider and admin service
	m := metrics.NewDefault()
	gmm := engine.NewMapping(reg)
	sync := reconcile.New(reg, store, gmm, log).WithObserver(m)
	decider := access.NewDecider(reg, gmm).WithObserver(m)
	svc := admin.NewService(reg, gmm, persist, store, sync, admin.Options{
		AdminGroups:     cfg.AdminGroups,
		ConflictRetries: cfg.Document.ConflictRetries,
		SafeMode:        cfg.Document.SafeMode,
	}, log).WithObserver(m)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		svc.WithNotifier(notify.NewPublisher(rdb, cfg.Redis.Channel, origin()))
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start admin service: %w", err)
	}
	log.Infof("engine started", map[string]interface{}{
		"seq":       gmm.Seq(),
		"groups":    len(gmm.Groups()),
		"read_only": svc.ReadOnly(),
	})

	// 4. Background refresh: file watcher, pub/sub and the reconcile schedule
	refresh := func(source string) {
		reloaded, err := svc.Refresh(ctx)
		if err != nil {
			log.WithError(err).WithField("source", source).Warn("refresh mapping")
			return
		}
		if reloaded {
			log.WithField("source", source).Info("mapping reloaded")
		}
	}

	if cfg.Document.Watch {
		w, err := engine.NewWatcher(cfg.Document.Path, 0, log)
		if err != nil {
			log.WithError(err).Warn("document watcher disabled")
		} else {
			go w.Run(ctx, func() { refresh("watcher") })
		}
	}

	if rdb != nil {
		sub := notify.NewSubscriber(rdb, cfg.Redis.Channel, origin(), log)
		go func() {
			err := sub.Run(ctx, func(uint64) { refresh("pubsub") })
			if err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("seq subscriber stopped")
			}
		}()
	}

	if cfg.ReconcileSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.ReconcileSchedule, func() { scheduledRepair(ctx, svc, log) }); err != nil {
			return fmt.Errorf("reconcile_schedule %q: %w", cfg.ReconcileSchedule, err)
		}
		c.Start()
		defer c.Stop()
	}

	// 5. Control socket
	router := server.NewRouter(svc, log)
	if !cfg.Control.DisableTLS {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("generate TLS certificate: %w", err)
		}
		router.SetCertificate(cert)
	} else {
		log.Warn("control socket TLS disabled")
	}
	go func() {
		if err := router.Listen(cfg.Control.Addr); err != nil {
			log.WithError(err).Error("control socket failed")
		}
	}()

	// 6. HTTP API
	parser := access.NewTokenParser(cfg.JWTSecret)
	if !parser.Enabled() {
		log.Warn("jwt_secret is empty; every HTTP request runs unauthenticated")
	}
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           newHTTPHandler(&api.Handler{Service: svc, Decider: decider}, parser, m, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Infof("HTTP API listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	// 7. Wait for a signal, then finalize disk writes
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-httpErr:
		log.WithError(err).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	router.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown")
	}
	if svc.Dirty() {
		if err := svc.Flush(shutdownCtx, access.System()); err != nil {
			log.WithError(err).Error("final flush failed; unpersisted changes are lost")
			return err
		}
	}
	log.Info("persistence complete, exiting")
	return nil
}

// openStore connects the grant store: PostgreSQL when a DSN is configured,
// otherwise an in-memory store seeded from the document and admin groups.
func openStore(ctx context.Context, cfg *config.Config, reg *registry.Registry, persist *engine.Persistence, log *logger.Logger) (grants.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		log.Info("grant store: postgres")
		return grants.NewPostgresStore(db), func() { db.Close() }, nil
	}

	log.Warn("database_url is empty; native grants are kept in memory only")
	return seedMemStore(ctx, reg, persist, cfg.AdminGroups, log), func() {}, nil
}

// seedMemStore creates every group the document or the admin list names, so
// pruning does not drop the loaded mapping.
func seedMemStore(ctx context.Context, reg *registry.Registry, persist *engine.Persistence, adminGroups []string, log *logger.Logger) *grants.MemStore {
	store := grants.NewMemStore(reg.Universe())
	for _, g := range adminGroups {
		store.CreateGroup(g)
	}
	res, err := persist.LoadAll(ctx)
	if err != nil {
		log.WithError(err).Warn("seed in-memory grant store")
		return store
	}
	for _, groups := range res.Document.Modules {
		for _, g := range groups {
			if ok, _ := store.GroupExists(ctx, g); !ok {
				store.CreateGroup(g)
			}
		}
	}
	return store
}

func scheduledRepair(ctx context.Context, svc *admin.Service, log *logger.Logger) {
	res, err := svc.ReconcileAll(ctx, access.System())
	if err != nil {
		log.WithError(err).Warn("scheduled reconciliation failed")
		return
	}
	if res.Added+res.Removed > 0 || res.Failed > 0 {
		log.Infof("scheduled reconciliation repaired drift", map[string]interface{}{
			"added":   res.Added,
			"removed": res.Removed,
			"failed":  res.Failed,
		})
	}
	if err := svc.Flush(ctx, access.System()); err != nil {
		log.WithError(err).Warn("scheduled flush failed")
	}
}

func origin() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func newHTTPHandler(h *api.Handler, parser *access.TokenParser, m *metrics.Metrics, log *logger.Logger) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		st := h.Service.Status()
		code := http.StatusOK
		if st.ReadOnly {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": st.State, "seq": st.Seq, "read_only": st.ReadOnly})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	apiGroup := r.Group("/api", access.Authenticate(parser))
	h.Register(apiGroup)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	l := log.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.Infof("request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}
