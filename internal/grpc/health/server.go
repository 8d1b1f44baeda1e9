package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/cert"
	grpctls "github.com/EternisAI/silo-fleet/internal/grpc/tls"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is reported alongside the overall ("") status.
const ServiceName = "silo.fleet.v1.Fleet"

type Config struct {
	Port int       `mapstructure:"port"`
	TLS  TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	CAFile     string `mapstructure:"ca_file"`
	ClientAuth string `mapstructure:"client_auth"`
	// AutoGenerate creates the CA and server certificate when missing.
	// The CA key is written next to CAFile.
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Domains      []string `mapstructure:"domains"`
}

func (c TLSConfig) certPaths() cert.Paths {
	return cert.Paths{
		CACert:     c.CAFile,
		CAKey:      strings.TrimSuffix(c.CAFile, ".pem") + "-key.pem",
		ServerCert: c.CertFile,
		ServerKey:  c.KeyFile,
	}
}

// Server exposes grpc.health.v1 so orchestrators can probe the fleet server.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	port       int

	mu       sync.RWMutex
	listener net.Listener
}

func NewServer(cfg Config) (*Server, error) {
	var opts []grpc.ServerOption
	if cfg.TLS.Enabled {
		clientAuth, err := grpctls.ParseClientAuthType(cfg.TLS.ClientAuth)
		if err != nil {
			return nil, err
		}
		if cfg.TLS.AutoGenerate {
			if cfg.TLS.CAFile == "" {
				return nil, fmt.Errorf("tls.ca_file is required when auto_generate is enabled")
			}
			if err := cert.EnsureServerCertificates(cfg.TLS.certPaths(), cfg.TLS.Domains); err != nil {
				return nil, fmt.Errorf("failed to generate TLS certificates: %w", err)
			}
		}
		creds, err := grpctls.LoadServerCredentials(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile, clientAuth)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
		slog.Info("gRPC TLS enabled", "client_auth", cfg.TLS.ClientAuth)
	}

	grpcServer := grpc.NewServer(opts...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		port:       cfg.Port,
	}, nil
}

// Start listens and serves until Stop. It blocks.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}

	s.SetServing(true)

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	slog.Info("Starting gRPC health server", "address", lis.Addr().String())

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping gRPC health server")
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		s.grpcServer.Stop()
	}
	return nil
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}
