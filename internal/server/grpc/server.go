// Package grpcserver exposes the gRPC health endpoint used by orchestrators and agents.
package grpcserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// AgentService is the health service name reported for the agent API.
const AgentService = "citadel.Agent"

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewServer builds a gRPC server with recovery and logging interceptors and the health
// service registered. Reflection is enabled in dev mode.
func NewServer(hs *Health, log *zap.Logger, dev bool, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			LoggingStream(log),
		),
	)
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, hs.srv)
	if dev {
		reflection.Register(s)
	}
	return s
}

// Health probes the database and publishes the result through grpc.health.v1.
type Health struct {
	srv      *health.Server
	db       Pinger
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
	serving  bool
}

// NewHealth starts in NOT_SERVING until the first successful probe.
func NewHealth(db Pinger, interval time.Duration, log *zap.Logger) *Health {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Health{
		srv:      health.NewServer(),
		db:       db,
		interval: interval,
		timeout:  interval / 2,
		log:      log,
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *Health) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(AgentService, st)
}

// Probe pings the database once and updates the published status.
func (h *Health) Probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	err := h.db.Ping(ctx)
	switch {
	case err == nil && !h.serving:
		h.log.Info("health: serving")
	case err != nil && h.serving:
		h.log.Warn("health: database unreachable", zap.Error(err))
	}
	h.serving = err == nil
	if h.serving {
		h.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Run probes until ctx is cancelled, then reports every service as shutting down.
func (h *Health) Run(ctx context.Context) {
	h.Probe(ctx)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
			h.Probe(ctx)
		}
	}
}
