package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"hitl-pipeline/backend/internal/api"
	"hitl-pipeline/backend/internal/auth"
	"hitl-pipeline/backend/internal/broadcast"
	"hitl-pipeline/backend/internal/config"
	"hitl-pipeline/backend/internal/hitl"
	"hitl-pipeline/backend/internal/logging"
	"hitl-pipeline/backend/internal/mapping"
	"hitl-pipeline/backend/internal/mcp"
	"hitl-pipeline/backend/internal/orchestrator"
	"hitl-pipeline/backend/internal/repository"
	"hitl-pipeline/backend/internal/services"
	"hitl-pipeline/backend/internal/steps"
	"hitl-pipeline/backend/internal/tls"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "pipeline-server",
		Short:        "Human-in-the-loop data onboarding pipeline",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to config file")

	rootCmd.AddCommand(serveCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and pipeline orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			migrate, _ := cmd.Flags().GetBool("migrate")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply the database schema before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.DB.Driver != "postgres" {
				return fmt.Errorf("migrate requires db.driver postgres, got %q", cfg.DB.Driver)
			}
			ctx := cmd.Context()
			dbPool, err := initDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer dbPool.Close()

			if err := repository.NewPostgresRunStore(dbPool).Migrate(ctx); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			logger.Info("Schema applied", "database", cfg.DB.Name)
			return nil
		},
	}
}

func setup(cmd *cobra.Command) (*config.Config, *logging.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"okta_client_id", cfg.Auth.ClientID,
		"okta_domain", cfg.Auth.OktaDomain,
		"secret_len", len(cfg.Auth.ClientSecret),
		"swagger_client_id", cfg.Auth.SwaggerClientID,
		"db_driver", cfg.DB.Driver,
		"config_file", path,
	)
	return cfg, logger, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger, migrate bool) error {
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger Client ID matches Backend Client ID. This will fail if Backend is a Web App (requires secret) and Swagger uses PKCE (no secret). Check your config.yaml.")
	}

	logger.Info("Starting HITL Pipeline Service")

	// Initialize repository layer
	var store repository.RunStore
	switch cfg.DB.Driver {
	case "postgres":
		dbPool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer dbPool.Close()
		pg := repository.NewPostgresRunStore(dbPool)
		if migrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			logger.Info("Schema applied")
		}
		store = pg
		logger.Info("Database connected")
	default:
		store = repository.NewMemoryRunStore()
		logger.Warn("Using in-memory run store; runs are lost on restart")
	}

	// Broadcast hub lives as long as the server
	hub := broadcast.NewHub(broadcast.Options{
		BufferSize:      cfg.Broadcast.BufferSize,
		LivenessTimeout: cfg.Broadcast.LivenessTimeout,
	}, logger.With("component", "broadcast"))
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	onSubmit, err := mapping.ParseSubmitPolicy(cfg.Pipeline.OnSubmit)
	if err != nil {
		return err
	}
	gate := hitl.NewGate(store, hub, onSubmit, logger.With("component", "hitl"))

	// Collaborators
	httpClient := services.NewHTTPClient(cfg.Collaborators.Timeout)
	var similarity services.SimilarityClient
	if cfg.Similarity.URL != "" {
		similarity = services.NewHTTPSimilarityClient(cfg.Similarity.URL, httpClient)
	} else {
		logger.Warn("similarity.url not set; the map step will produce no candidates")
	}
	if cfg.Collaborators.URL == "" {
		logger.Warn("collaborators.url not set; data steps complete without doing work")
	}

	orch, err := orchestrator.New(store, hub, gate, steps.Default(steps.Options{
		CollaboratorURL: cfg.Collaborators.URL,
		Client:          httpClient,
		Similarity:      similarity,
	}), orchestrator.Config{
		Policy:          mapping.Policy{ApprovalThreshold: cfg.Pipeline.ApprovalThreshold, OnSubmit: onSubmit},
		ApprovalTimeout: cfg.Pipeline.ApprovalTimeout,
		StepAttempts:    cfg.Pipeline.StepAttempts,
		PatchRetries:    cfg.Pipeline.PatchRetries,
	}, logger.With("component", "orchestrator"))
	if err != nil {
		return err
	}

	pipeline := services.NewPipelineService(store, orch, gate)
	logger.Info("Service layer initialized", "steps", orch.StepNames())

	// Create Echo server
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ProblemErrorHandler(logger)

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("hitl-pipeline"))

	// Initialize authentication
	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	// Register auth handlers
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	// Mount REST API handlers
	// Create a group for /api/v1 to match OpenAPI spec and apply auth middleware
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	apiServer := api.NewServer(pipeline, hub, api.StreamOptions{
		PingInterval: cfg.Broadcast.PingInterval,
	}, logger.With("component", "api"))
	api.RegisterHandlers(apiGroup, apiServer)

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(pipeline)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)

	logger.Info("MCP protocol handlers mounted")

	// health, OpenAPI spec (with runtime substitution) and Swagger UI
	e.GET("/healthz", echo.WrapHandler(http.HandlerFunc(api.NewHandler(store, logger).HandleHealth)))
	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(http.HandlerFunc(api.OAuthRedirectHandler)))

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.TLS.Enable {
		if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
			return errors.New("TLS enabled but cert/key file not provided")
		}
		// generate if missing and hostnames provided
		if len(cfg.TLS.Hostnames) > 0 {
			created, err := tls.EnsureCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
			if err != nil {
				return fmt.Errorf("failed to generate self-signed cert: %w", err)
			}
			if created {
				logger.Info("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile, "hostnames", cfg.TLS.Hostnames)
			}
		}
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// fail in-flight runs before the stream subscribers go away
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Orchestrator shutdown error", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}

	logger.Info("Server stopped gracefully")
	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "database", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
