package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aivf/internal/handler"
	"github.com/aivf/internal/mailer"
	"github.com/aivf/internal/reminder"
	"github.com/aivf/internal/router"
	"github.com/aivf/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the daily reminder scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap()
	if err != nil {
		return err
	}
	defer rt.close()
	cfg := rt.cfg

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	sender, err := newMailer(rt)
	if err != nil {
		return err
	}
	loc, err := cfg.ReminderLocation()
	if err != nil {
		return err
	}

	api := handler.NewAPI(rt.db, handler.Options{
		SessionSecret:   cfg.SessionSecret,
		SiteBaseURL:     cfg.SiteBaseURL,
		AI:              aiConfig(rt),
		AnalysisTimeout: cfg.AnalysisTimeout,
		Mailer:          sender,
		Location:        loc,
		Logger:          rt.log,
	})
	engine := router.SetupRouter(api, router.Options{
		SessionSecret: cfg.SessionSecret,
		CORSOrigins:   cfg.CORSOrigins,
		SecureCookie:  strings.HasPrefix(cfg.SiteBaseURL, "https://"),
	})

	reminders, closeMarker, err := newReminderService(ctx, rt, sender)
	if err != nil {
		return err
	}
	defer closeMarker()

	scheduler, err := reminder.NewScheduler(cfg.ReminderCron, loc, reminders, rt.log)
	if err != nil {
		return err
	}
	scheduler.Start()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.log.Info("http server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// 等待正在执行的提醒扫描结束
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			rt.log.Warn("reminder sweep still running at shutdown")
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func aiConfig(rt *runtime) service.AIConfig {
	return service.AIConfig{
		Provider:        rt.cfg.AIProvider,
		OpenAIAPIKey:    rt.cfg.OpenAIAPIKey,
		OpenAIBaseURL:   rt.cfg.OpenAIBaseURL,
		OpenAIModel:     rt.cfg.OpenAIModel,
		DeepSeekAPIKey:  rt.cfg.DeepSeekAPIKey,
		DeepSeekBaseURL: rt.cfg.DeepSeekBaseURL,
		DeepSeekModel:   rt.cfg.DeepSeekModel,
	}
}

func newMailer(rt *runtime) (mailer.Sender, error) {
	sender, err := mailer.New(mailer.Config{
		Host:     rt.cfg.SMTPHost,
		Port:     rt.cfg.SMTPPort,
		Username: rt.cfg.SMTPUsername,
		Password: rt.cfg.SMTPPassword,
		From:     rt.cfg.MailFrom,
	}, rt.log)
	if err != nil {
		return nil, fmt.Errorf("init mailer: %w", err)
	}
	if rt.cfg.SMTPHost == "" {
		rt.log.Warn("SMTP_HOST not set, outgoing mail will only be logged")
	}
	return sender, nil
}

// newReminderService 配置了 REDIS_URL 时用 Redis 标记已发送，否则使用数据库表。
func newReminderService(ctx context.Context, rt *runtime, sender mailer.Sender) (*reminder.Service, func(), error) {
	var marker reminder.Marker = reminder.NewGormMarker(rt.db)
	closeMarker := func() {}

	if rt.cfg.RedisURL != "" {
		redisMarker, err := reminder.NewRedisMarker(ctx, rt.cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		marker = redisMarker
		closeMarker = func() {
			if err := redisMarker.Close(); err != nil {
				rt.log.Warn("close redis", "error", err)
			}
		}
		rt.log.Info("reminder dedupe uses redis")
	}

	sweep := reminder.NewSweep(sender, marker, rt.log, rt.cfg.ReminderConcurrency)
	return reminder.NewService(rt.db, sweep, rt.log), closeMarker, nil
}
