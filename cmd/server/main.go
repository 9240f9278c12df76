package main

import (
	"fmt"
	"os"

	"github.com/aivf/internal/config"
	"github.com/aivf/internal/db"
	"github.com/aivf/internal/logger"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "aivf",
		Short:         "IVF clinic protocol tracking service",
		SilenceUsage:  true,
		SilenceErrors: true,
		// 不带子命令时直接启动服务
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(
		newServeCommand(),
		newSweepCommand(),
		newSeedCommand(),
		newInitAdminCommand(),
	)
	return root
}

// runtime 是各子命令共享的基础依赖。
type runtime struct {
	cfg config.AppConfig
	log *logger.Logger
	db  *gorm.DB
}

func bootstrap() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	// 初始化数据库
	gdb, err := db.Open(db.Options{
		Driver: cfg.DatabaseDriver,
		Path:   cfg.DatabasePath,
		DSN:    cfg.DatabaseURL,
	})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}
	log.Info("database ready", "driver", cfg.DatabaseDriver)
	return &runtime{cfg: cfg, log: log, db: gdb}, nil
}

func (rt *runtime) close() {
	db.Close(rt.db)
	rt.log.Sync()
}
