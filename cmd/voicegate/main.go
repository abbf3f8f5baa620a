// voicegate bridges live phone calls to a realtime speech model: telephony
// webhooks and media streams on one side, the model socket on the other.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/evara-health/voicegate/internal/dotenv"
	"github.com/evara-health/voicegate/pkg/convo"
	"github.com/evara-health/voicegate/pkg/dispatch"
	"github.com/evara-health/voicegate/pkg/gateway/config"
	gatewayserver "github.com/evara-health/voicegate/pkg/gateway/server"
	"github.com/evara-health/voicegate/pkg/store"
	"github.com/evara-health/voicegate/pkg/transfer"
)

type serviceDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(ctx context.Context, url string, logger *slog.Logger) (*store.Store, error)
	migrate      func(ctx context.Context, url string) error
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServiceDeps() serviceDeps {
	return serviceDeps{
		loadConfig: config.LoadFromEnv,
		openStore:  store.Open,
		migrate:    store.Migrate,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runService(ctx context.Context, logger *slog.Logger, deps serviceDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The database is optional: without it the process still relays audio
	// and answers from an empty directory.
	var st *store.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		if cfg.RunMigrations && deps.migrate != nil {
			if err := deps.migrate(ctx, cfg.DatabaseURL); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st, err = deps.openStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
	} else {
		logger.Warn("no database configured, directory lookups will degrade")
	}

	var persister convo.Persister
	var directory dispatch.Directory
	var contacts transfer.ContactDirectory
	if st != nil {
		persister = st
		directory = st
		contacts = st
	}

	registry := convo.NewRegistry(convo.Options{
		Persister: persister,
		Logger:    logger,
		MaxAge:    cfg.MaxConversationAge,
	})

	functions, err := dispatch.New(dispatch.Config{
		Directory: directory,
		Emergency: dispatch.EmergencyRoutes{
			ByType: cfg.EmergencyNumbers,
			Main:   cfg.EmergencyMainNumber,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("function table: %w", err)
	}
	defs := dispatch.Definitions()
	declared := make([]string, 0, len(defs))
	for _, def := range defs {
		declared = append(declared, def.Name)
	}
	if err := functions.Validate(declared); err != nil {
		return fmt.Errorf("function table: %w", err)
	}

	var transfers *transfer.Executor
	if cfg.TransferConfigured() {
		transfers = &transfer.Executor{
			AccountSID:    cfg.TwilioAccountSID,
			AuthToken:     cfg.TwilioAuthToken,
			APIBaseURL:    cfg.TwilioAPIBaseURL,
			PublicBaseURL: cfg.PublicBaseURL,
			Logger:        logger,
		}
	} else {
		logger.Warn("telephony credentials incomplete, call transfers disabled")
	}
	resolver := transfer.Resolver{
		Directory: contacts,
		Keywords: map[string]string{
			"emergency": cfg.EmergencyMainNumber,
			"cardiac":   cfg.EmergencyNumbers["cardiac"],
			"trauma":    cfg.EmergencyNumbers["trauma"],
			"ambulance": cfg.EmergencyNumbers["ambulance"],
		},
		MainNumber: cfg.MainHospitalNumber,
		Logger:     logger,
	}

	gw := gatewayserver.New(gatewayserver.Options{
		Config:    cfg,
		Logger:    logger,
		Registry:  registry,
		Functions: functions,
		Transfers: transfers,
		Resolver:  resolver,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go registry.Run(sweepCtx, cfg.SweepInterval)

	logger.Info("starting voicegate",
		"addr", cfg.Addr,
		"model", cfg.RealtimeModel,
		"transfer_enabled", cfg.TransferConfigured(),
		"database_enabled", st != nil,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.Lifecycle().SetDraining(true)
	canceled := registry.CancelAll()
	logger.Info("draining", "bridges_canceled", canceled)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !registry.Wait(waitCtx) {
		logger.Warn("persistence did not drain before the grace period expired")
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voicegate stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serviceDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voicegate: %v\n", err)
		return 1
	}

	if err := runService(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicegate: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServiceDeps()))
}
