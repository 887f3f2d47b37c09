package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"aura/config"
	"aura/internal/api"
	"aura/internal/artifact"
	"aura/internal/db"
	"aura/internal/delivery"
	"aura/internal/deviceapi"
	"aura/internal/fleet"
	"aura/internal/health"
	"aura/internal/logs"
	"aura/internal/middleware"
	"aura/internal/mqtt"
	"aura/internal/pki"
	"aura/internal/probes"
	"aura/internal/provision"
	"aura/internal/registry"
	"aura/internal/reports"
	"aura/internal/rollout"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	Handler    http.Handler
	httpServer *http.Server

	mqtt      *mqtt.Client
	scheduler *rollout.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB (опционально) */
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("db open failed: %w", err)
		}
		if err := db.Migrate(d); err != nil {
			return fmt.Errorf("db migrate failed: %w", err)
		}
		a.db = d
	} else {
		logs.Logger.Warn("database.driver is empty: state is kept in memory and lost on restart")
	}
	st := newStores(a.db)

	/* 3) Ядро */
	blobs, err := newBlobs(cfg)
	if err != nil {
		return err
	}
	art := artifact.New(blobs, st.firmware, cfg.Storage.MaxUploadBytes)
	reg := registry.New(st.devices)
	eval := health.NewEvaluator(st.samples, health.Policy{
		MaxMissingFraction: cfg.Health.MaxMissingFraction,
		RetryMaxInterval:   cfg.Health.RetryMaxInterval,
	})

	var pub delivery.Publisher
	if cfg.MQTT.Enabled {
		c, err := mqtt.Connect(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err != nil {
			return err
		}
		a.mqtt = c
		pub = c
	}
	dl := delivery.New(st.assignments, pub, cfg.Storage.PublicURL)
	rep := reports.New(reg, dl, eval)
	if a.mqtt != nil {
		if err := a.mqtt.Subscribe(rep); err != nil {
			return err
		}
	}

	engine := rollout.NewEngine(rollout.Deps{
		Store:     st.releases,
		Selector:  fleet.NewSelector(reg, cfg.Rollout.CanaryPercent, cfg.Rollout.StagingPercent),
		Artifacts: art,
		Evaluator: eval,
		Delivery:  dl,
		Devices:   reg,
	}, cfg.Rollout.ObservationWindow)
	a.scheduler = rollout.NewScheduler(engine, cfg.Rollout.PollInterval)

	certTTL, err := time.ParseDuration(cfg.Provisioning.CertTTL)
	if err != nil {
		return fmt.Errorf("provisioning.cert_ttl: %w", err)
	}
	wg := cfg.Provisioning.WireGuard
	prov := provision.New(reg, pki.New(st.pki), st.peers, provision.Options{
		CAName:   cfg.Provisioning.CAName,
		CertTTL:  certTTL,
		MQTTHost: cfg.Provisioning.MQTTHost,
		MQTTPort: cfg.Provisioning.MQTTPort,
		WireGuard: provision.WireGuardOptions{
			Enabled:         wg.Enabled,
			Endpoint:        wg.Endpoint,
			ServerPublicKey: wg.ServerPublicKey,
			AddressPoolCIDR: wg.AddressPoolCIDR,
			AllowedIPs:      wg.AllowedIPs,
			Keepalive:       wg.Keepalive,
		},
	})

	/* 4) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	/* 5) Health */
	checks := map[string]probes.Check{}
	if a.db != nil {
		checks["database"] = probes.DBCheck(a.db)
	}
	if a.mqtt != nil {
		checks["mqtt"] = a.mqtt.Check
	}
	probes.RegisterRoutesWithChecks(a.Router, checks)

	/* 6) API консоли и устройств */
	api.RegisterRoutes(a.Router, cfg.Server.APIPrefix,
		api.NewHandler(reg, art, rollout.NewService(engine), cfg.Storage.MaxUploadBytes))
	deviceapi.RegisterRoutes(a.Router, cfg.DeviceAPI.SharedSecret,
		deviceapi.NewHandler(prov, dl, rep, art))

	a.Handler = handlers.CORS(
		handlers.AllowedOrigins(cfg.Server.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Request-Id"}),
		handlers.ExposedHeaders([]string{"X-Request-Id"}),
	)(a.Router)

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := rt.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		logs.Logger.WithFields(logrus.Fields{"methods": methods, "path": path}).Debug("route")
		return nil
	})
	return nil
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.scheduler.Run(a.ctx); err != nil {
			logs.Logger.WithError(err).Error("rollout scheduler stopped")
		}
	}()

	// загрузки прошивок бывают долгими — WriteTimeout покрывает и чтение тела
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Errorf("http server error: %v", err)
			a.cancel()
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	wg.Wait()
	if a.mqtt != nil {
		a.mqtt.Disconnect()
	}
	return nil
}
