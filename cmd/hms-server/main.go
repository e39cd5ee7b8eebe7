package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hms/hms/internal/config"
	"github.com/hms/hms/internal/domain/scheduling"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/events"
	"github.com/hms/hms/internal/platform/middleware"
	"github.com/hms/hms/internal/platform/webhook"
	"github.com/hms/hms/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hms-server",
		Short: "Hospital appointment scheduling server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// tokenCmd issues a signed bearer token for local testing.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			role, _ := cmd.Flags().GetString("role")
			hospital, _ := cmd.Flags().GetString("hospital")
			organization, _ := cmd.Flags().GetString("organization")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is required to issue tokens")
			}
			if hospital == "" {
				hospital = cfg.DefaultHospital
			}
			if organization == "" {
				organization = cfg.DefaultOrganization
			}

			token, err := auth.IssueToken([]byte(cfg.JWTSecret), cfg.AuthIssuer, auth.TokenRequest{
				Subject:        sub,
				Role:           role,
				HospitalID:     hospital,
				OrganizationID: organization,
				TTL:            ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "Subject (user id)")
	cmd.Flags().String("role", auth.RoleDoctor, "Role: admin, doctor, nurse or receptionist")
	cmd.Flags().String("hospital", "", "Hospital id (defaults to DEFAULT_HOSPITAL)")
	cmd.Flags().String("organization", "", "Organization id (defaults to DEFAULT_ORGANIZATION)")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newPublisher picks Kafka when brokers are configured and falls back to the
// structured log otherwise.
func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, error) {
	if !cfg.KafkaEnabled() {
		return events.NewLogPublisher(logger), nil
	}
	return events.NewKafkaPublisher(strings.Join(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
}

// deps are the collaborators the HTTP server is built from.
type deps struct {
	store     scheduling.AppointmentStore
	publisher events.Publisher
	// pinger backs /health/db; nil for the memory store.
	pinger    db.Pinger
	// hub serves the live feed at /api/v1/ws when set.
	hub       *websocket.Hub
	// webhooks backs /api/v1/webhooks when set.
	webhooks  *webhook.Manager
}

func newServer(cfg *config.Config, logger zerolog.Logger, d deps) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Hospital-ID", "X-Organization-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		SigningKey: []byte(cfg.JWTSecret),
		Issuer:     cfg.AuthIssuer,
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Tenant middleware
	e.Use(db.TenantMiddleware(cfg.DefaultHospital, cfg.DefaultOrganization))

	// Audit middleware
	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if d.pinger != nil {
		e.GET("/health/db", db.HealthHandler(d.pinger))
	}

	rateLimit := middleware.RateLimit(middleware.RateLimitConfig{
		Max:    cfg.RateLimitMax,
		Window: cfg.RateLimitWindow,
	})
	apiV1 := e.Group("/api/v1", rateLimit)

	svc := scheduling.NewService(d.store,
		scheduling.WithPublisher(d.publisher),
		scheduling.WithLogger(logger.With().Str("component", "scheduling").Logger()),
		scheduling.WithTerminalLock(cfg.SchedulingLockTerminal),
	)
	scheduling.NewHandler(svc).RegisterRoutes(apiV1)
	if d.hub != nil {
		websocket.NewWebSocketHandler(d.hub, cfg.CORSOrigins).RegisterRoutes(apiV1,
			auth.RequireRole(auth.RoleDoctor, auth.RoleNurse, auth.RoleReceptionist))
	}
	if d.webhooks != nil {
		webhook.NewHandler(d.webhooks).RegisterRoutes(apiV1)
	}

	gql, err := scheduling.NewGraphQLHandler(svc, logger)
	if err != nil {
		return nil, fmt.Errorf("build graphql schema: %w", err)
	}
	gql.RegisterRoutes(e, rateLimit)

	return e, nil
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logger
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.IsDev() {
		logger.Warn().Msg("running in development mode: requests without a token are served as admin")
	}

	ctx := context.Background()
	d := deps{store: scheduling.NewMemoryStore()}

	// Database
	if cfg.StoreDriver == config.StorePostgres {
		pool, err := openPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		d.store = scheduling.NewAppointmentRepoPG(pool)
		d.pinger = pool
	}
	logger.Info().Str("driver", cfg.StoreDriver).Msg("appointment store ready")

	// Events
	sink, err := newPublisher(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create event publisher")
	}
	d.hub = websocket.NewHub(logger.With().Str("component", "websocket").Logger())
	d.webhooks = webhook.NewManager(webhook.NewMemoryStore(),
		logger.With().Str("component", "webhook").Logger(),
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout}),
		webhook.WithQueueSize(cfg.WebhookQueueSize),
	)
	d.publisher = events.Fanout{sink, d.hub, d.webhooks}
	defer d.publisher.Close()

	e, err := newServer(cfg, logger, d)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
