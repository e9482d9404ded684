// Package app wires configuration, storage and services into a running
// portal instance.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/crashsignal/portal/internal/app/httpapi"
	"github.com/crashsignal/portal/internal/chain"
	"github.com/crashsignal/portal/internal/config"
	"github.com/crashsignal/portal/internal/httputil"
	"github.com/crashsignal/portal/internal/oauth"
	"github.com/crashsignal/portal/internal/services/history"
	"github.com/crashsignal/portal/internal/services/ledger"
	"github.com/crashsignal/portal/internal/services/market"
	"github.com/crashsignal/portal/internal/services/payments"
	"github.com/crashsignal/portal/internal/services/quote"
	"github.com/crashsignal/portal/internal/storage"
	"github.com/crashsignal/portal/internal/storage/postgres"
	"github.com/crashsignal/portal/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	httpServer *http.Server
	db         *sql.DB

	Ledger   *ledger.Service
	Payments *payments.Service
	History  *history.Service
	Market   *market.Service
	Discord  *oauth.Discord
}

// New builds a fully initialised application from configuration. The
// member ledger lives in postgres when a DSN is configured and falls
// back to the in-memory store otherwise.
func New(cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("portal")
	}

	memberStore, configStore, db, err := buildStores(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	upstream := httputil.NewClient(httputil.ClientConfig{
		Timeout: time.Duration(cfg.Quote.TimeoutSecond) * time.Second,
	})

	quoteOpts := []quote.Option{quote.WithHTTPClient(upstream)}
	if cfg.Quote.BaseURL != "" {
		quoteOpts = append(quoteOpts, quote.WithBaseURL(cfg.Quote.BaseURL))
	}
	if cfg.Quote.CacheTTL > 0 {
		quoteOpts = append(quoteOpts, quote.WithTTL(time.Duration(cfg.Quote.CacheTTL)*time.Second))
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		quoteOpts = append(quoteOpts, quote.WithRedis(client))
		log.WithField("addr", cfg.Redis.Addr).Info("redis quote cache enabled")
	}
	quotes := quote.New(log, quoteOpts...)

	networks := make(map[string]payments.Network)
	for name, chainCfg := range cfg.EnabledChains() {
		networks[name] = payments.Network{
			Reader: chain.New(chainCfg.RPCURL, log),
			Config: chainCfg,
		}
		log.WithField("network", name).Info("payment network enabled")
	}

	historySvc, err := history.New(cfg.History.DataPath, cfg.History.CutoffDate, cfg.History.ForcedDates, log)
	if err != nil {
		return nil, fmt.Errorf("configure history: %w", err)
	}

	app := &Application{
		cfg:      cfg,
		log:      log,
		db:       db,
		Ledger:   ledger.New(memberStore, cfg.Membership.UltraSubjects, cfg.Membership.ProSubjects, log),
		Payments: payments.New(memberStore, configStore, networks, quotes, cfg.Membership, log),
		History:  historySvc,
		Market:   market.New(cfg.Market.TickerURL, time.Duration(cfg.Market.CacheTTL)*time.Second, log),
		Discord:  oauth.NewDiscord(cfg.OAuth, log),
	}
	app.Market.SetHTTPClient(upstream)

	handler := httpapi.NewHandler(cfg, httpapi.Services{
		Ledger:   app.Ledger,
		Payments: app.Payments,
		History:  app.History,
		Market:   app.Market,
		Discord:  app.Discord,
	}, log)

	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	return app, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (a *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the HTTP server and closes the
// database connection.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := 10 * time.Second
	if a.cfg.Server.ShutdownTimeout > 0 {
		timeout = time.Duration(a.cfg.Server.ShutdownTimeout) * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

func buildStores(cfg *config.Config, log *logger.Logger) (storage.MemberStore, storage.ConfigStore, *sql.DB, error) {
	if cfg.Database.DSN == "" {
		log.Warn("database dsn not configured; using in-memory member store")
		mem := storage.NewMemory()
		return mem, mem, nil, nil
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := postgres.Migrate(db); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	store := postgres.New(db)
	return store, store, db, nil
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
