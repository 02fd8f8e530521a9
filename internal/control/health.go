// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package control exposes the grpc.health.v1 service so orchestrators and
// load balancers can probe the process over gRPC.
package control

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultPollInterval is how often readiness is re-evaluated.
const DefaultPollInterval = 5 * time.Second

// ReadinessFunc reports whether the service can take traffic.
type ReadinessFunc func(ctx context.Context) error

// HealthServer serves grpc.health.v1 for the overall server ("") and for
// the named service, tracking ReadinessFunc.
type HealthServer struct {
	service  string
	ready    ReadinessFunc
	interval time.Duration
	logger   *slog.Logger

	health     *health.Server
	grpcServer *grpc.Server
	listener   net.Listener
	running    atomic.Bool
	stopPoll   context.CancelFunc
	pollDone   sync.WaitGroup
}

// NewHealthServer creates a health server for service. A nil ready func
// means always serving.
func NewHealthServer(service string, ready ReadinessFunc, logger *slog.Logger) (*HealthServer, error) {
	if service == "" {
		return nil, oops.Code("CONTROL_INVALID").Errorf("service name cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthServer{
		service:  service,
		ready:    ready,
		interval: DefaultPollInterval,
		logger:   logger,
		health:   health.NewServer(),
	}, nil
}

// SetPollInterval changes how often readiness is polled. Call before Start.
func (s *HealthServer) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Start listens on addr, using TLS when tlsConfig is non-nil. The returned
// channel receives the serve error, if any, and is closed when serving ends.
func (s *HealthServer) Start(addr string, tlsConfig *tls.Config) (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Code("CONTROL_ALREADY_RUNNING").Errorf("control server already running")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.Code("CONTROL_LISTEN_FAILED").With("addr", addr).Wrap(err)
	}
	s.listener = listener

	var opts []grpc.ServerOption
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	pollCtx, cancel := context.WithCancel(context.Background())
	s.stopPoll = cancel
	s.refresh(pollCtx)
	s.pollDone.Add(1)
	go s.poll(pollCtx)

	errCh := make(chan error, 1)
	srv := s.grpcServer
	go func() {
		defer close(errCh)
		if serveErr := srv.Serve(listener); serveErr != nil {
			s.logger.Error("control gRPC server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("control server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Addr returns the bound address, or "" before Start.
func (s *HealthServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stop marks every service NOT_SERVING, then stops gracefully. If ctx ends
// first, remaining RPCs are cut off.
func (s *HealthServer) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.stopPoll()
	s.pollDone.Wait()
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
	}
	s.logger.Info("control server stopped")
	return nil
}

func (s *HealthServer) poll(ctx context.Context) {
	defer s.pollDone.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *HealthServer) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.ready != nil {
		checkCtx, cancel := context.WithTimeout(ctx, s.interval)
		err := s.ready(checkCtx)
		cancel()
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.service, status)
}
