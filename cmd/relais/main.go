// CLAUDE:SUMMARY Entry point for the relais engine — config, bcrypt Basic Auth, operator HTTP surface, optional MCP over stdio or QUIC.
package main

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/relais"
	"github.com/hazyhaar/relais/internal/mcpquic"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

func main() {
	port := env("PORT", "8086")
	configPath := env("CONFIG", "")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")
	username := env("AUTH_USER", "operator")
	password := os.Getenv("AUTH_PASSWORD")
	if password == "" {
		slog.Error("AUTH_PASSWORD is required")
		os.Exit(1)
	}

	// Logging. Stdout carries the MCP stream in stdio mode, so logs move
	// to stderr there.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logOut := io.Writer(os.Stdout)
	if mcpTransport == "stdio" {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Config.
	cfg := &relais.Config{}
	if configPath != "" {
		loaded, err := relais.LoadConfigFile(configPath)
		if err != nil {
			slog.Error("load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	tag, err := relais.EnsureManifest(cfg, env("VERSION_TAG", "0.1.0"))
	if err != nil {
		slog.Error("release manifest", "error", err)
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("hash password", "error", err)
		os.Exit(1)
	}

	engine, err := relais.New(cfg, logger)
	if err != nil {
		slog.Error("engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.Start(ctx); err != nil {
		slog.Error("engine start", "error", err)
		os.Exit(1)
	}
	slog.Info("engine running", "identity", cfg.Identity, "tag", tag)

	// Optional MCP transport.
	switch mcpTransport {
	case "stdio":
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "relais",
			Version: tag,
		}, nil)
		engine.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp stdio", "error", err)
			}
		}()
	case "quic":
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "relais",
			Version: tag,
		}, nil)
		engine.RegisterMCP(mcpSrv)

		quicAddr := env("MCP_QUIC_ADDR", ":9444")
		certFile := env("TLS_CERT", "")
		keyFile := env("TLS_KEY", "")

		var tlsCfg *tls.Config
		if certFile != "" && keyFile != "" {
			tlsCfg, err = mcpquic.ServerTLSConfig(certFile, keyFile)
		} else {
			tlsCfg, err = mcpquic.SelfSignedTLSConfig()
		}
		if err != nil {
			slog.Error("mcp quic tls", "error", err)
		} else {
			ql, qErr := mcpquic.NewListener(quicAddr, tlsCfg, mcpSrv, logger)
			if qErr != nil {
				slog.Error("mcp quic listener", "error", qErr)
			} else {
				go func() {
					slog.Info("mcp quic starting", "addr", quicAddr)
					if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
						slog.Error("mcp quic", "error", sErr)
					}
				}()
			}
		}
	}

	// HTTP server.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           engine.Operator(username, hash),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
