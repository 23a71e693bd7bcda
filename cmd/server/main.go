// Command citadel-server starts the agent management HTTP API and its gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/and161185/citadel/internal/config"
	"github.com/and161185/citadel/internal/limiter"
	"github.com/and161185/citadel/internal/migrate"
	"github.com/and161185/citadel/internal/notify"
	"github.com/and161185/citadel/internal/observability/metrics"
	"github.com/and161185/citadel/internal/repository/postgres"
	grpcserver "github.com/and161185/citadel/internal/server/grpc"
	httpserver "github.com/and161185/citadel/internal/server/http"
	"github.com/and161185/citadel/internal/service"
	"github.com/and161185/citadel/internal/storage"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// run wires the stack and blocks until SIGINT/SIGTERM or a listener failure.
func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.HTTPAddr),
		zap.String("health", cfg.HealthAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DSN, logger.Named("migrate")); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}

	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	store, err := storage.NewFileStore(cfg.PayloadDir)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	// Repositories
	userRepo := postgres.NewUserRepo(db)
	groupRepo := postgres.NewGroupRepo(db)
	deactRepo := postgres.NewDeactivationRepo(db)
	actRepo := postgres.NewActivationRepo(db)

	lim := limiter.NewPG(db.Pool, cfg.LoginWindow, cfg.LoginMaxFails, cfg.LoginBlockFor)

	// Notifications
	var mailer notify.Mailer = notify.NewLogMailer(logger)
	if cfg.SMTPHost != "" {
		m, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			return err
		}
		mailer = m
	}
	dispatcher, err := notify.New(notify.Config{
		Workers:       cfg.NotifyWorkers,
		QueueSize:     cfg.NotifyQueueSize,
		MaxRetries:    cfg.NotifyMaxRetries,
		DrainTimeout:  cfg.ShutdownTimeout,
		SweepInterval: cfg.NotifySweep,
	}, userRepo, deactRepo, mailer, logger)
	if err != nil {
		return err
	}

	// Services
	svc := httpserver.Services{
		Auth:         service.NewAuthService(userRepo, []byte(cfg.JWTKey), cfg.AccessTTL, lim),
		Deactivation: service.NewDeactivationService(deactRepo, actRepo, dispatcher, logger.Named("deactivation")),
		Config:       service.NewConfigSyncService(groupRepo, store, logger.Named("config")),
		Admin:        service.NewAdminService(userRepo, logger.Named("admin")),
	}

	httpSrv := httpserver.New(httpserver.Config{
		Addr:               cfg.HTTPAddr,
		AgentRatePerMinute: cfg.AgentRatePerMinute,
		Ready:              db.Ping,
		Gatherer:           reg,
	}, svc, logger)

	var (
		wg    sync.WaitGroup
		errCh = make(chan error, 2)
	)
	bg, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = dispatcher.Run(bg)
	}()

	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("tls", cfg.TLSEnabled()))
		errCh <- httpSrv.Serve(httpLis, cfg.TLSCert, cfg.TLSKey)
	}()

	var grpcSrv *grpc.Server
	if cfg.HealthAddr != "" {
		hs := grpcserver.NewHealth(db, 5*time.Second, logger.Named("health"))
		var opts []grpc.ServerOption
		if cfg.TLSEnabled() {
			creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
			if err != nil {
				return fmt.Errorf("load TLS cert/key: %w", err)
			}
			opts = append(opts, grpc.Creds(creds))
		}
		grpcSrv = grpcserver.NewServer(hs, logger.Named("grpc"), cfg.Dev, opts...)

		healthLis, err := net.Listen("tcp", cfg.HealthAddr)
		if err != nil {
			return fmt.Errorf("listen health: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			hs.Run(bg)
		}()
		go func() {
			logger.Info("health listening", zap.String("addr", cfg.HealthAddr))
			errCh <- grpcSrv.Serve(healthLis)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	// graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if grpcSrv != nil {
		done := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}
	}
	// HTTP is drained, so no new events arrive; let the dispatcher flush its queue
	cancelBg()
	wg.Wait()
	return runErr
}
