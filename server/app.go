package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ipamd/config"
	"ipamd/internal/db"
	"ipamd/internal/health"
	"ipamd/internal/ipam"
	"ipamd/internal/logs"
	"ipamd/internal/middleware"
	"ipamd/internal/repo"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	DB      *gorm.DB
	IPAM    *ipam.Service
	Devices *repo.DeviceStore

	ctx    context.Context
	cancel context.CancelFunc
}

// Initialize opens and migrates the database, wires the services and builds
// the router. It does not start listening.
func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg

	logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	log := logs.Component("server")

	if cfg.Database.Driver == "" {
		return errors.New("database.driver is required")
	}
	d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return errors.Wrap(err, "db open")
	}
	if err := db.Migrate(d); err != nil {
		return errors.Wrap(err, "db migrate")
	}
	a.DB = d

	a.IPAM = ipam.NewService(d)
	a.Devices = repo.NewDeviceStore(d, cfg.IPAM.PreferIPv4)

	nsName := cfg.IPAM.DefaultNamespace
	if nsName == "" {
		nsName = ipam.DefaultNamespace
	}
	if _, err := a.IPAM.EnsureNamespace(context.Background(), nsName); err != nil {
		return errors.Wrap(err, "default namespace")
	}

	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	health.RegisterRoutesWithDB(a.Router, d)
	a.Router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	ipam.NewHTTP(a.IPAM).RegisterRoutes(a.Router)
	repo.NewDeviceHTTP(a.Devices).RegisterRoutes(a.Router)

	_ = a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		log.Debugf("route: %-6v %s", methods, path)
		return nil
	})
	return nil
}

// Run serves HTTP until SIGINT/SIGTERM, then shuts down gracefully.
func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	log := logs.Component("server")
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer a.cancel()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return errors.Wrap(err, "http server")
		}
	case <-a.ctx.Done():
	}
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return nil
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
