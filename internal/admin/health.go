// Package admin serves the gRPC health protocol for the gateway and for each
// connected account.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cory-johannsen/worldlink/internal/config"
)

// ServiceName is the overall service reported alongside the empty name.
const ServiceName = "worldlink"

// AccountService returns the health service name for one account.
func AccountService(accountID uuid.UUID) string {
	return "account/" + accountID.String()
}

// Server wraps a grpc.Server carrying only the health and reflection
// services. It implements server.Service and dispatch.Health.
type Server struct {
	addr   string
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
	accounts map[uuid.UUID]struct{}
}

// NewServer builds the admin server. Nothing listens until Start.
func NewServer(cfg config.AdminConfig, logger *zap.Logger) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &Server{
		addr:     cfg.Addr(),
		logger:   logger,
		grpc:     gs,
		health:   hs,
		accounts: make(map[uuid.UUID]struct{}),
	}
}

// SetAccountServing records whether accountID has a live world session.
func (s *Server) SetAccountServing(accountID uuid.UUID, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.mu.Lock()
	if serving {
		s.accounts[accountID] = struct{}{}
	} else {
		delete(s.accounts, accountID)
	}
	s.mu.Unlock()
	s.health.SetServingStatus(AccountService(accountID), status)
}

// ServingAccounts returns the number of accounts currently SERVING.
func (s *Server) ServingAccounts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// Start listens on the admin address and serves until Stop.
//
// Postcondition: the overall service reports SERVING while Start runs.
func (s *Server) Start(_ context.Context) error {
	start := time.Now()
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("admin gRPC server listening",
		zap.String("addr", lis.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving admin gRPC: %w", err)
	}
	return nil
}

// Stop marks everything NOT_SERVING and stops the server gracefully,
// forcing it when ctx ends first.
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
