package main

import (
	"context"
	"encoding/json"
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

	"github.com/mmerah/ai-gamemaster-sub005/internal/api"
	"github.com/mmerah/ai-gamemaster-sub005/internal/campaign"
	"github.com/mmerah/ai-gamemaster-sub005/internal/config"
	"github.com/mmerah/ai-gamemaster-sub005/internal/embedding"
	"github.com/mmerah/ai-gamemaster-sub005/internal/importer"
	"github.com/mmerah/ai-gamemaster-sub005/internal/indexer"
	"github.com/mmerah/ai-gamemaster-sub005/internal/knowledge"
	"github.com/mmerah/ai-gamemaster-sub005/internal/ollama"
	"github.com/mmerah/ai-gamemaster-sub005/internal/packs"
	"github.com/mmerah/ai-gamemaster-sub005/internal/retrieval"
	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gamemaster server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gamemaster server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gamemaster system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "gamemaster.pid")
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

// probeServer asks a local gamemaster for its health. It returns the HTTP
// status of /health, or an error when nothing answers on the port.
func probeServer(client *http.Client, port int) (int, error) {
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "gamemaster version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure the admin API token exists; mint and persist it on first run.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start a second instance on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	if _, err := probeServer(&http.Client{Timeout: 2 * time.Second}, cfg.Server.Port); err == nil {
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("gamemaster is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("gamemaster is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check Ollama readiness and pull the embedding model if missing.
	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the retrieval stack.
	registry := packs.NewRegistry(store)
	campaigns := campaign.NewManager(store, registry)
	docs := knowledge.NewDocStore(store.DB())
	embedder := embedding.NewEmbedder(ollamaClient, cfg.Ollama.EmbedModel, cfg.Ollama.Timeout())
	base := knowledge.NewBase(store, docs, embedder)
	imp := importer.New(store)
	ix := indexer.New(store, docs, embedder)
	svc := retrieval.NewService(base, registry, cfg.Retrieval.TopK, cfg.Retrieval.TokenBudget)

	// Build HTTP handler and server.
	handler := api.NewHandler(api.Deps{
		Store:     store,
		Registry:  registry,
		Campaigns: campaigns,
		Importer:  imp,
		Indexer:   ix,
		Retrieval: svc,
		Token:     apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start indexing job worker.
	worker := indexer.NewWorker(store, ix, 500*time.Millisecond)
	go worker.Run(ctx)

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Registry:  registry,
		Campaigns: campaigns,
		Base:      base,
		Retrieval: svc,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "gamemaster listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
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
		printError("gamemaster is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			printWarning("gamemaster (PID %d) already exited, removing stale PID file", pid)
			removePIDFile(pidPath)
			return nil
		}
		printError("could not stop gamemaster (PID %d): %v", pid, err)
		return err
	}

	// Wait for the graceful shutdown to finish before reporting.
	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		if process.Signal(syscall.Signal(0)) != nil {
			printSuccess("gamemaster stopped (PID %d)", pid)
			return nil
		}
	}
	printWarning("sent stop signal, but gamemaster (PID %d) is still shutting down", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	code, healthErr := probeServer(client, cfg.Server.Port)
	switch {
	case healthErr != nil:
		printStatus("Server", "stopped")
	case code == http.StatusOK:
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		printStatus("Server", "error (HTTP %d)", code)
	}

	// Check Ollama and whether the embedding model is installed.
	statusCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	oc := ollama.New(cfg.Ollama.BaseURL)
	if !oc.IsRunning(statusCtx) {
		printStatus("Ollama", "not running")
		printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	} else {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		if oc.HasModel(statusCtx, cfg.Ollama.EmbedModel) {
			printStatus("Embed model", "%s (installed)", cfg.Ollama.EmbedModel)
		} else {
			printStatus("Embed model", "%s (not installed, pulled on serve)", cfg.Ollama.EmbedModel)
		}
	}

	// Show pack and campaign counts if server is running.
	apiToken, tokenErr := config.GetAPIToken(config.NewKeychain())
	if tokenErr == nil && healthErr == nil && code == http.StatusOK {
		serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		packsResp, err := apiGet(client, serverURL+"/packs", apiToken)
		if err == nil {
			var listing struct {
				Packs []struct {
					Active bool `json:"active"`
				} `json:"packs"`
			}
			if json.NewDecoder(packsResp.Body).Decode(&listing) == nil {
				active := 0
				for _, p := range listing.Packs {
					if p.Active {
						active++
					}
				}
				printStatus("Packs", "%d installed, %d active", len(listing.Packs), active)
			}
			packsResp.Body.Close()
		}
		campResp, err2 := apiGet(client, serverURL+"/campaigns", apiToken)
		if err2 == nil {
			var listing struct {
				Campaigns []json.RawMessage `json:"campaigns"`
			}
			if json.NewDecoder(campResp.Body).Decode(&listing) == nil {
				printStatus("Campaigns", "%d", len(listing.Campaigns))
			}
			campResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
