package app

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	_ "bilibilidm/botd/backend/api/handlers"
	"bilibilidm/botd/backend/config"
	"bilibilidm/botd/backend/logging"
	"bilibilidm/botd/backend/metrics"
	"bilibilidm/botd/backend/router"
	"bilibilidm/botd/backend/service/adapter"
	authsvc "bilibilidm/botd/backend/service/auth"
	"bilibilidm/botd/backend/service/bilibili"
	"bilibilidm/botd/backend/service/credential"
	"bilibilidm/botd/backend/service/eventbus"
	"bilibilidm/botd/backend/service/login"
	"bilibilidm/botd/backend/store"
)

type App struct {
	cfg    config.Config
	log    *zap.Logger
	store  *store.Store
	bus    *eventbus.Bus
	client *bilibili.Client
	creds  *credential.Store
	login  *login.Service
	auth   *authsvc.Service
	adapt  *adapter.Adapter

	server         *http.Server
	apiHandler     http.Handler
	metricsHandler http.Handler
	routes         []router.Route
}

func New(cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("starting",
		zap.String("configFile", cfg.ConfigFile),
		zap.String("listen", cfg.ListenAddr),
		zap.Int64("selfUid", cfg.SelfUID))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, err
	}
	storeDB, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	bus := eventbus.New(storeDB, logger)
	creds := credential.New(cfg.DataDir, cfg.SelfUID)
	client := bilibili.New(storeDB, creds, cfg, logger)
	loginSvc := login.New(client, creds, bus, logger)
	authService := authsvc.New(storeDB, 24*time.Hour)
	adapterSvc := adapter.New(cfg, client, creds, loginSvc, bus, logger)

	deps := &router.Dependencies{
		Config:   cfg,
		Store:    storeDB,
		Auth:     authService,
		Bilibili: client,
		Login:    loginSvc,
		Adapter:  adapterSvc,
		Bus:      bus,
		Logger:   logger,
	}
	apiHandler, routes := router.Build(deps)

	app := &App{
		cfg:            cfg,
		log:            logger,
		store:          storeDB,
		bus:            bus,
		client:         client,
		creds:          creds,
		login:          loginSvc,
		auth:           authService,
		adapt:          adapterSvc,
		apiHandler:     apiHandler,
		metricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		routes:         routes,
	}
	app.server = &http.Server{
		Addr:              cfg.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		Handler:           app.mainMux(),
	}
	return app, nil
}

func (a *App) mainMux() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean := path.Clean(r.URL.Path)
		if clean == "." {
			clean = "/"
		}

		if strings.HasPrefix(clean, a.cfg.APIBase+"/") || clean == a.cfg.APIBase {
			a.apiHandler.ServeHTTP(w, r)
			return
		}

		switch clean {
		case "/metrics":
			a.metricsHandler.ServeHTTP(w, r)
		case "/healthz", "/":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		default:
			http.NotFound(w, r)
		}
	})
}

func (a *App) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	generated, err := a.auth.EnsureAdminUser(ctx, a.cfg.AdminUsername, a.cfg.AdminPassword)
	if err != nil {
		return err
	}
	if generated != "" {
		a.log.Warn("initial admin account created with a generated password",
			zap.String("username", a.cfg.AdminUsername),
			zap.String("password", generated))
	}

	a.log.Info("listening", zap.String("addr", a.cfg.ListenAddr))
	return a.server.ListenAndServe()
}

func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.adapt.Stop()
	a.client.Close()
	a.bus.Close()
	shutdownErr := a.server.Shutdown(ctx)
	closeErr := a.store.Close()
	_ = a.log.Sync()
	if shutdownErr != nil {
		return shutdownErr
	}
	return closeErr
}

func (a *App) RouteList() []router.Route {
	items := make([]router.Route, len(a.routes))
	copy(items, a.routes)
	return items
}
