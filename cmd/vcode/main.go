package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/vcode/internal/config"
	"github.com/xxxsen/vcode/internal/db"
	"github.com/xxxsen/vcode/internal/handler"
	"github.com/xxxsen/vcode/internal/job"
	"github.com/xxxsen/vcode/internal/middleware"
	"github.com/xxxsen/vcode/internal/schedule"
	"github.com/xxxsen/vcode/internal/service"
)

const purgeGrace = time.Hour

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "vcode",
		Short: "email verification code service",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run verification code server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "delete expired verification codes once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			deps, err := buildDeps(cfg)
			if err != nil {
				return err
			}
			defer deps.Close()
			return schedule.RunOnce(cmd.Context(), job.NewCodePurgeJob(deps.Codes, purgeGrace))
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			conn, err := db.Open(cfg.Database)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer conn.Close()
			if err := db.ApplyMigrations(conn); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			logutil.GetLogger(cmd.Context()).Info("migrations applied")
			return nil
		},
	}

	for _, cmd := range []*cobra.Command{runCmd, purgeCmd, migrateCmd} {
		cmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded",
		zap.String("config", path),
		zap.String("code_store", cfg.CodeStore),
		zap.String("account_store", cfg.AccountStore),
		zap.String("rate_limit_store", cfg.RateLimit.Store),
		zap.String("mail", cfg.Mail.Type),
	)
	return cfg, nil
}

func runServer(cfg *config.Config) error {
	deps, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	verifyService := service.NewVerificationService(deps.Codes, deps.Accounts, deps.Sender, deps.Limiters)
	routerDeps := handler.RouterDeps{
		Verification: handler.NewVerificationHandler(verifyService),
		JWTSecret:    []byte(cfg.Auth.JWTSecret),
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		cfg.BasePath,
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, routerDeps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.CORSAllowlist),
			middleware.Metrics(),
			middleware.Timeout(time.Duration(cfg.RequestTimeout)*time.Second),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PurgeCron != "" {
		scheduler := schedule.NewCronScheduler()
		if err := scheduler.AddJob(job.NewCodePurgeJob(deps.Codes, purgeGrace), cfg.PurgeCron); err != nil {
			return fmt.Errorf("schedule purge: %w", err)
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	logutil.GetLogger(ctx).Info("http server listening",
		zap.String("addr", addr),
		zap.String("base_path", cfg.BasePath),
	)
	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}
