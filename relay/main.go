package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/coderoom/internal/auth"
	"github.com/xiaot623/coderoom/internal/config"
	"github.com/xiaot623/coderoom/internal/executor"
	internalhttp "github.com/xiaot623/coderoom/internal/http"
	"github.com/xiaot623/coderoom/internal/hub"
	"github.com/xiaot623/coderoom/internal/policy"
	"github.com/xiaot623/coderoom/internal/repository"
	"github.com/xiaot623/coderoom/internal/transport/rpc"
	"github.com/xiaot623/coderoom/internal/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting relay...")
	log.Printf("WebSocket Port: %d", cfg.WSPort)
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("RPC Port: %d", cfg.RPCPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Executor URL: %s", cfg.ExecutorURL)

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize hub
	connectionHub := hub.NewHub(hub.Options{
		InitialTemplate: cfg.InitialTemplate,
		DefaultLanguage: cfg.DefaultLanguage,
		SendBufferSize:  cfg.SendBufferSize,
		Registerer:      prometheus.DefaultRegisterer,
	})

	// Bearer credentials are optional on the websocket and required on the control plane.
	var wsVerifier ws.TokenVerifier
	var httpVerifier internalhttp.TokenVerifier
	if cfg.JWTSecret != "" {
		v := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		wsVerifier, httpVerifier = v, v
	} else {
		log.Printf("WARN: JWT_SECRET is not set; all sessions are anonymous and the control plane rejects every request")
	}

	// Initialize WebSocket server
	wsServer := ws.NewServer(cfg, connectionHub, wsVerifier)

	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	wsEcho.GET("/ws", wsServer.HandleWebSocket)

	// Initialize control plane
	httpServer := internalhttp.NewServer(internalhttp.Options{
		Store:       db,
		Hub:         connectionHub,
		Verifier:    httpVerifier,
		Policy:      policyEngine,
		Executor:    executor.NewClient(cfg.ExecutorURL, cfg.ExecutorTimeout),
		Gatherer:    prometheus.DefaultGatherer,
		ExecTimeout: cfg.ExecutorTimeout,
	})

	// Initialize RPC server
	rpcServer, err := rpc.NewServer(connectionHub)
	if err != nil {
		log.Fatalf("Failed to initialize RPC server: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		if err := rpcServer.Start(addr); err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})

	log.Printf("Relay started")

	// Wait for interrupt signal or a failed server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
		log.Printf("ERROR: server stopped unexpectedly")
	}

	log.Println("Shutting down relay...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown WebSocket server gracefully: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown HTTP server gracefully: %v", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown RPC server gracefully: %v", err)
	}

	if err := g.Wait(); err != nil {
		log.Printf("ERROR: %v", err)
	}

	log.Println("Relay stopped")
}
