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

	"github.com/allcr/allcr/internal/api"
	"github.com/allcr/allcr/internal/chat"
	"github.com/allcr/allcr/internal/config"
	"github.com/allcr/allcr/internal/extract"
	"github.com/allcr/allcr/internal/ingest"
	"github.com/allcr/allcr/internal/retrieval"
	"github.com/allcr/allcr/internal/session"
	"github.com/allcr/allcr/internal/storage"
	"github.com/allcr/allcr/internal/task"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the allcr server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpCredential, _ := cmd.Flags().GetString("mcp-credential")
		return runServer(mcpCredential)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running allcr server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show allcr system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().String("mcp-credential", "", "access code to expose over MCP stdio (disabled when empty)")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "allcr.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// openStore picks the storage backend from config.
func openStore(cfg config.Config) (storage.DocumentStore, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return storage.NewPostgres(cfg.Storage.PostgresDSN, cfg.Extractor.EmbedDim)
	default:
		return storage.Open(cfg.Storage.DataDir)
	}
}

func runServer(mcpCredential string) error {
	fmt.Fprintf(os.Stderr, "allcr version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice. A live health endpoint beats a stale PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("allcr is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("allcr is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	slog.Info("storage ready", "backend", cfg.Storage.Backend)

	extractor := extract.New(cfg.Extractor.BaseURL, cfg.Extractor.APIKey, extract.Models{
		Vision:     cfg.Extractor.VisionModel,
		Chat:       cfg.Extractor.ChatModel,
		Embed:      cfg.Extractor.EmbedModel,
		Transcribe: cfg.Extractor.TranscribeModel,
	})

	pipeline := ingest.New(extractor, store, nil)
	searcher := retrieval.NewSearcher(extractor, store, cfg.Retrieval.Oversample)
	sessions := session.NewManager(store)
	assistant := chat.New(searcher, chat.CompleterFunc(
		func(chatCtx context.Context, messages []extract.Message) (chat.Stream, error) {
			return extractor.ChatStream(chatCtx, messages)
		},
	), cfg.Retrieval.TopK)
	tasks := task.NewRunner(extractor, store)

	handler := api.NewHandler(api.Deps{
		Sessions:  sessions,
		Store:     store,
		Pipeline:  pipeline,
		Searcher:  searcher,
		Assistant: assistant,
		Tasks:     tasks,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP stdio transport is opt-in: it binds the whole stdio session to
	// one access code.
	if mcpCredential != "" {
		ok, err := store.FindCredential(ctx, mcpCredential)
		if err != nil {
			return fmt.Errorf("checking MCP credential: %w", err)
		}
		if !ok {
			return fmt.Errorf("MCP credential is not a registered access code")
		}
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:      store,
			Searcher:   searcher,
			Tasks:      tasks,
			Credential: mcpCredential,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "allcr listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("allcr is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop allcr (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to allcr (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Backend", "%s", cfg.Storage.Backend)
	printStatus("Vision model", "%s", cfg.Extractor.VisionModel)
	printStatus("Chat model", "%s", cfg.Extractor.ChatModel)
	printStatus("Embed model", "%s (dim %d)", cfg.Extractor.EmbedModel, cfg.Extractor.EmbedDim)
	printStatus("Transcribe model", "%s", cfg.Extractor.TranscribeModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
