package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloo-solutions/cseassist/internal/api/handlers"
	"github.com/cloo-solutions/cseassist/internal/config"
	"github.com/cloo-solutions/cseassist/internal/jobs"
	"github.com/cloo-solutions/cseassist/internal/openai"
	"github.com/cloo-solutions/cseassist/internal/server"
	"github.com/cloo-solutions/cseassist/internal/service"
	"github.com/cloo-solutions/cseassist/internal/session"
	"github.com/spf13/cobra"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat API server",
		Long: `Load the knowledge base (building it from the source directory on first run)
and start the chat API server.`,
		RunE: runServe,
	}

	cmd.Flags().StringP("port", "p", "8080", "Port to listen on")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")

	return cmd
}

// reapInterval checks for idle sessions a few times per TTL, at most once a minute.
func reapInterval(ttl time.Duration) time.Duration {
	return max(ttl/4, time.Minute)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.RequireGeneration(); err != nil {
		return err
	}

	defer initTelemetry(cfg)()

	portFlag, _ := cmd.Flags().GetString("port")
	if portFlag != "" && portFlag != "8080" {
		cfg.Port = portFlag
	}
	noMigrate, _ := cmd.Flags().GetBool("no-migrate")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{migrate: !noMigrate})
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	idx, err := a.kb.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("knowledge base unavailable: %w", err)
	}
	log.Printf("knowledge base ready: %d chunks in %v (retrieval backend: %s)",
		idx.Len(), time.Since(start).Round(time.Millisecond), a.backendName())

	retriever := service.NewRetriever(a.kb, a.provider, cfg.RetrievalK)
	assembler := service.NewPromptAssembler(service.DefaultPolicy, service.NewHistoryPolicy(cfg.HistoryMaxMessages))
	generator := &chatGenerator{client: openai.NewChatClient(openai.ChatConfig{
		APIKey:  cfg.PerplexityAPIKey,
		BaseURL: cfg.GenerationBaseURL,
		Model:   cfg.GenerationModel,
	})}

	store := session.NewStore(cfg.SessionIdleTTL)
	chatSvc := service.NewChatService(store, retriever, assembler, generator)

	reaper := jobs.NewWorker("session reaper", session.NewReaper(store), reapInterval(cfg.SessionIdleTTL))
	go reaper.Start(ctx)

	router := server.NewRouter(server.RouterConfig{
		APIToken:       cfg.APIToken,
		HealthHandler:  handlers.NewHealthHandler(a.kb, store, a.backendName()),
		SessionHandler: handlers.NewSessionHandler(store, chatSvc),
		SearchHandler:  handlers.NewSearchHandler(retriever),
	})
	if cfg.APIToken == "" {
		log.Println("warning: CSE_API_TOKEN is not set, the API accepts unauthenticated requests")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		reaper.Stop()
		return fmt.Errorf("server failed: %w", err)
	}
	log.Println("shutting down...")

	reaper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("server exited")
	return nil
}
