package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arvago/api-proxy/internal/config"
	"github.com/arvago/api-proxy/internal/logging"
	"github.com/arvago/api-proxy/internal/server"
	"github.com/arvago/api-proxy/internal/statestore"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// Server command flags
var (
	serverEnvFile  string
	serverPort     string
	serverLogLevel string
	serverLogFile  string
	debugMode      bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the proxy server",
	Long:  `Start the caching proxy server using configuration from the environment.`,
	Run:   runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverEnvFile, "env", config.EnvOrDefault("ENV", ".env"), "Path to .env file")
	serverCmd.Flags().StringVar(&serverPort, "port", config.EnvOrDefault("PORT", ""), "Port to listen on (overrides env var)")
	serverCmd.Flags().StringVar(&serverLogLevel, "log-level", config.EnvOrDefault("LOG_LEVEL", ""), "Log level: debug, info, warn, error (overrides env var)")
	serverCmd.Flags().StringVar(&serverLogFile, "log-file", config.EnvOrDefault("LOG_FILE", ""), "Path to log file (overrides env var, default: stdout)")
	serverCmd.Flags().BoolVarP(&debugMode, "debug", "v", config.EnvBoolOrDefault("DEBUG", false), "Enable debug logging (overrides log-level)")
}

// runServer is the main function for the server command
func runServer(cmd *cobra.Command, args []string) {
	// Load .env file if it exists
	if _, err := os.Stat(serverEnvFile); err == nil {
		if err := godotenv.Load(serverEnvFile); err != nil {
			log.Printf("Warning: Error loading %s file: %v", serverEnvFile, err)
		} else {
			log.Printf("Loaded environment from %s", serverEnvFile)
		}
	}

	// Apply command line overrides to environment variables
	if serverPort != "" {
		if err := os.Setenv("PORT", serverPort); err != nil {
			log.Fatalf("Failed to set PORT environment variable: %v", err)
		}
	}
	if serverLogLevel != "" {
		if err := os.Setenv("LOG_LEVEL", serverLogLevel); err != nil {
			log.Fatalf("Failed to set LOG_LEVEL environment variable: %v", err)
		}
	}
	if serverLogFile != "" {
		if err := os.Setenv("LOG_FILE", serverLogFile); err != nil {
			log.Fatalf("Failed to set LOG_FILE environment variable: %v", err)
		}
	}
	if debugMode || os.Getenv("DEBUG") == "1" {
		_ = os.Setenv("LOG_LEVEL", "debug")
	}

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := zapLogger.Sync(); err != nil {
			if !strings.Contains(err.Error(), "inappropriate ioctl for device") {
				log.Printf("Error syncing zap logger: %v", err)
			}
		}
	}()

	// Handle graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	// Bind first so a port conflict surfaces before any component starts.
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		zapLogger.Fatal("Listen address unavailable (already in use?)",
			zap.String("addr", cfg.ListenAddr), zap.Error(err))
	}

	// A missing state store is not fatal: Connect degrades to the fallback
	// store and the proxy fails closed until the store comes back.
	state := statestore.Connect(cmd.Context(), cfg.RedisURL, zapLogger)
	defer func() { _ = state.Close() }()

	s, err := server.New(cfg, state, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize server", zap.Error(err))
	}

	go func() {
		if err := s.Serve(ln); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Server error", zap.Error(err))
		}
	}()
	zapLogger.Info("Server started", zap.String("addr", cfg.ListenAddr))

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println("Press Ctrl+C to stop")
	}

	// Wait for interrupt signal
	<-done
	zapLogger.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		zapLogger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info("Server exited gracefully")
}
