package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/internal/logger"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/internal/metrics"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/internal/server"
)

const (
	maxMessageSize  = 100 * 1024 * 1024
	shutdownTimeout = 30 * time.Second
)

var (
	servePort        int
	serveMetricsPort int
	serveBackend     string
	servePath        string
	serveUpdateLog   string
	serveCacheSize   int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gRPC document service",
	Long: `Serve blockdoc.v1.DocumentService. Flags override the config file.
Documents are kept in an LRU registry, every mutation is appended to the
update log and snapshots are checkpointed to the storage backend.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("port") {
			cfg.Server.GrpcPort = servePort
		}
		if flags.Changed("metrics-port") {
			cfg.Server.MetricsPort = serveMetricsPort
		}
		if flags.Changed("storage") {
			cfg.Storage.Backend = serveBackend
		}
		if flags.Changed("storage-path") {
			cfg.Storage.Path = servePath
		}
		if flags.Changed("updatelog-dir") {
			cfg.UpdateLog.Dir = serveUpdateLog
		}
		if flags.Changed("cache-size") {
			cfg.Registry.CacheSize = serveCacheSize
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	log := logger.GetGlobalLogger()
	log.LogServerStart(cfg.Server.GrpcPort, cfg.Storage.Backend)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)
	stopUptime := make(chan struct{})
	defer close(stopUptime)
	go m.RunUptime(15*time.Second, stopUptime)

	docServer, err := server.NewServer(cfg, m, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GrpcPort))
	if err != nil {
		docServer.Close(context.Background())
		return fmt.Errorf("failed to listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
	)
	server.RegisterDocumentServiceServer(grpcServer, docServer)

	var obs *server.ObservabilityServer
	if cfg.Server.MetricsPort > 0 {
		obs = server.NewObservabilityServer(cfg.Server.MetricsPort, reg, log)
		go func() {
			if err := obs.Start(); err != nil {
				log.Error().Err(err).Msg("Observability server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.LogServerShutdown()
		grpcServer.GracefulStop()
	}()

	log.LogServerReady(cfg.Server.GrpcPort)
	serveErr := grpcServer.Serve(lis)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if obs != nil {
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Observability server did not shut down cleanly")
		}
	}
	if err := docServer.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to persist documents on shutdown")
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 50051, "gRPC port")
	serveCmd.Flags().IntVar(&serveMetricsPort, "metrics-port", 9090, "Metrics and pprof port, 0 disables")
	serveCmd.Flags().StringVar(&serveBackend, "storage", "memory", "Snapshot backend: memory, file or s3")
	serveCmd.Flags().StringVar(&servePath, "storage-path", "", "Directory for the file backend")
	serveCmd.Flags().StringVar(&serveUpdateLog, "updatelog-dir", "", "Update log directory, empty disables the log")
	serveCmd.Flags().IntVar(&serveCacheSize, "cache-size", 1024, "Documents held in memory")
}
