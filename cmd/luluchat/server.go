package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/zjgxky/lulu-chat/internal/api"
	"github.com/zjgxky/lulu-chat/internal/chat"
	"github.com/zjgxky/lulu-chat/internal/config"
	"github.com/zjgxky/lulu-chat/internal/sandbox"
	"github.com/zjgxky/lulu-chat/internal/storage"
	"github.com/zjgxky/lulu-chat/internal/upstream"
)

var withMCP bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the luluchat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running luluchat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().BoolVar(&withMCP, "mcp", false, "also serve MCP over stdio")
}

func pidFilePath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "luluchat.pid")
}

func writePIDFile() error {
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile() {
	os.Remove(pidFilePath())
}

func initLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogger(cfg.Log.Level)

	// Refuse to double-start: if something already answers on our port,
	// assume it is another luluchat instance.
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	if resp, err := http.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, err := readPIDFile(); err == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("port %d already in use", cfg.Server.Port)
	}

	if err := writePIDFile(); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	runner := &sandbox.Runner{
		PythonBin:       cfg.Sandbox.PythonBin,
		Timeout:         time.Duration(cfg.Sandbox.Timeout) * time.Second,
		ArtifactDir:     cfg.Sandbox.ArtifactDir,
		ArtifactBaseURL: "/static/plots",
	}
	sweeper := &sandbox.Sweeper{TTL: time.Duration(cfg.Sandbox.SweepTTL) * time.Minute}
	go sweeper.Run(ctx)

	client := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey,
		time.Duration(cfg.Upstream.Timeout)*time.Second)

	svc := &chat.Service{
		Store:        store,
		Upstream:     client,
		Runner:       runner,
		PromptSuffix: cfg.Chat.PromptSuffix,
		TitleLimit:   cfg.Chat.TitleLimit,
	}

	handler := api.NewAppHandler(api.AppDeps{
		Store:       store,
		Chat:        svc,
		Runner:      runner,
		Upstream:    client,
		Token:       cfg.Server.Token,
		ArtifactDir: cfg.Sandbox.ArtifactDir,
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Chat: svc})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("mcp stdio server stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "port", cfg.Server.Port, "pid", os.Getpid())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func stopServer() error {
	pid, err := readPIDFile()
	if err != nil {
		return fmt.Errorf("no PID file found; is the server running?")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		removePIDFile()
		return fmt.Errorf("process %d not found", pid)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		removePIDFile()
		return fmt.Errorf("signalling process %d: %w", pid, err)
	}

	printSuccess("sent shutdown signal to PID %d", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	req, err := http.NewRequestWithContext(ctx, "GET", healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		printWarning("server is not running")
		return nil
	}
	defer resp.Body.Close()

	var health struct {
		Status   string `json:"status"`
		Upstream string `json:"upstream"`
	}
	if err := decodeJSON(resp, &health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	printSuccess("server is running")
	printStatus("port", "%d", cfg.Server.Port)
	printStatus("status", "%s", health.Status)
	printStatus("upstream", "%s", health.Upstream)
	if pid, err := readPIDFile(); err == nil {
		printStatus("pid", "%d", pid)
	}
	return nil
}
