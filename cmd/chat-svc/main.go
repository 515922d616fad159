package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"clinicchat/internal/chat/handler"
	"clinicchat/internal/common"
	"clinicchat/internal/config"
	"clinicchat/internal/di"
	"clinicchat/internal/metrics"
)

func main() {
	cfg := config.LoadConfig()

	app, cleanup, err := di.InitializeApplication(cfg)
	if err != nil {
		slog.Error("Failed to initialize chat service", slog.Any("error", err))
		os.Exit(1)
	}
	defer cleanup()
	logger := app.Logger
	logger.Info("Starting Chat Service...", slog.String("environment", cfg.Server.Environment), slog.String("store", cfg.Database.Driver))

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(logger), common.AuthInterceptor(app.Auth)),
		grpc.ChainStreamInterceptor(loggingStreamInterceptor(logger), common.StreamAuthInterceptor(app.Auth)),
	)
	handler.RegisterChatStreamServer(grpcServer, app.Stream)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Error("Failed to listen", slog.String("addr", cfg.GRPCAddr()), slog.Any("error", err))
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:           cfg.HTTPAddr(),
		Handler:        setupRouter(app),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		logger.Info("Chat stream (gRPC) listening", slog.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server failed", slog.Any("error", err))
		}
	}()
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Chat Service...")
	healthServer.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// live sessions are hijacked connections; closing them lets both servers drain
	app.Sessions.Shutdown()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server forced to shutdown", slog.Any("error", err))
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		grpcServer.Stop()
	}
	logger.Info("Chat Service stopped")
}

// setupRouter configures HTTP routes
func setupRouter(app *di.Application) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)
	router.Use(loggingMiddleware(app.Logger))

	app.HTTP.Register(router, app.Auth)
	router.Handle("/ws", app.WS).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler(app.Prometheus)).Methods(http.MethodGet)
	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("duration", time.Since(start)))
		})
	}
}

func loggingUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("rpc failed", slog.String("method", info.FullMethod), slog.Duration("duration", time.Since(start)), slog.Any("error", err))
		} else {
			logger.Debug("rpc completed", slog.String("method", info.FullMethod), slog.Duration("duration", time.Since(start)))
		}
		return resp, err
	}
}

func loggingStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		logger.Debug("stream started", slog.String("method", info.FullMethod))
		err := handler(srv, stream)
		if err != nil {
			logger.Info("stream ended with error", slog.String("method", info.FullMethod), slog.Any("error", err))
		} else {
			logger.Debug("stream completed", slog.String("method", info.FullMethod))
		}
		return err
	}
}
