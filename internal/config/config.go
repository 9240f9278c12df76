package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig 汇总运行服务所需的基础配置。
type AppConfig struct {
	ListenAddr     string
	Port           string
	GinMode        string
	LogMode        string
	DatabaseDriver string
	DatabasePath   string
	DatabaseURL    string
	SessionSecret  string
	CORSOrigins    []string
	SiteBaseURL    string

	AIProvider      string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	DeepSeekAPIKey  string
	DeepSeekBaseURL string
	DeepSeekModel   string
	AnalysisTimeout time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	ReminderCron        string
	ReminderTimezone    string
	ReminderConcurrency int
	RedisURL            string

	BootstrapClinicName    string
	BootstrapAdminName     string
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

var boundKeys = []string{
	"PORT", "LISTEN_ADDR", "GIN_MODE", "LOG_MODE",
	"DATABASE_DRIVER", "DATABASE_PATH", "DATABASE_URL",
	"SESSION_SECRET", "CORS_ORIGINS", "SITE_BASE_URL",
	"AI_PROVIDER", "OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL",
	"DEEPSEEK_API_KEY", "DEEPSEEK_BASE_URL", "DEEPSEEK_MODEL", "AI_ANALYSIS_TIMEOUT",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "MAIL_FROM",
	"REMINDER_CRON", "REMINDER_TIMEZONE", "REMINDER_CONCURRENCY", "REDIS_URL",
	"BOOTSTRAP_CLINIC_NAME", "BOOTSTRAP_ADMIN_NAME", "BOOTSTRAP_ADMIN_EMAIL", "BOOTSTRAP_ADMIN_PASSWORD",
}

// Load 从环境变量（以及可选的 .env 文件）读取应用配置，并为缺失项提供安全的默认值。
func Load() (AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("GIN_MODE", "release")
	v.SetDefault("LOG_MODE", "development")
	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_PATH", "aivf.db")
	v.SetDefault("SESSION_SECRET", "aivf-dev-secret")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SITE_BASE_URL", "http://localhost:8080")
	v.SetDefault("AI_PROVIDER", "openai")
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1")
	v.SetDefault("DEEPSEEK_MODEL", "deepseek-chat")
	v.SetDefault("AI_ANALYSIS_TIMEOUT", "15s")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("MAIL_FROM", "AIVF Platform <no-reply@aivf.app>")
	v.SetDefault("REMINDER_CRON", "0 8 * * *")
	v.SetDefault("REMINDER_TIMEZONE", "Local")
	v.SetDefault("REMINDER_CONCURRENCY", 4)
	v.SetDefault("BOOTSTRAP_ADMIN_NAME", "Clinic Admin")

	for _, key := range boundKeys {
		_ = v.BindEnv(key)
	}

	// .env 不存在时忽略
	_ = v.ReadInConfig()

	port := strings.TrimSpace(v.GetString("PORT"))
	listenAddr := strings.TrimSpace(v.GetString("LISTEN_ADDR"))
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%s", port)
	}

	timeout, err := time.ParseDuration(strings.TrimSpace(v.GetString("AI_ANALYSIS_TIMEOUT")))
	if err != nil {
		return AppConfig{}, fmt.Errorf("parse AI_ANALYSIS_TIMEOUT: %w", err)
	}
	if timeout <= 0 {
		return AppConfig{}, fmt.Errorf("AI_ANALYSIS_TIMEOUT must be positive")
	}

	driver := strings.ToLower(strings.TrimSpace(v.GetString("DATABASE_DRIVER")))
	if driver != "sqlite" && driver != "postgres" {
		return AppConfig{}, fmt.Errorf("unsupported DATABASE_DRIVER %q", driver)
	}
	if driver == "postgres" && strings.TrimSpace(v.GetString("DATABASE_URL")) == "" {
		return AppConfig{}, fmt.Errorf("DATABASE_URL is required for postgres")
	}

	concurrency := v.GetInt("REMINDER_CONCURRENCY")
	if concurrency <= 0 {
		concurrency = 1
	}

	return AppConfig{
		ListenAddr:     listenAddr,
		Port:           port,
		GinMode:        strings.TrimSpace(v.GetString("GIN_MODE")),
		LogMode:        strings.TrimSpace(v.GetString("LOG_MODE")),
		DatabaseDriver: driver,
		DatabasePath:   strings.TrimSpace(v.GetString("DATABASE_PATH")),
		DatabaseURL:    strings.TrimSpace(v.GetString("DATABASE_URL")),
		SessionSecret:  strings.TrimSpace(v.GetString("SESSION_SECRET")),
		CORSOrigins:    splitList(v.GetString("CORS_ORIGINS")),
		SiteBaseURL:    strings.TrimRight(strings.TrimSpace(v.GetString("SITE_BASE_URL")), "/"),

		AIProvider:      strings.ToLower(strings.TrimSpace(v.GetString("AI_PROVIDER"))),
		OpenAIAPIKey:    strings.TrimSpace(v.GetString("OPENAI_API_KEY")),
		OpenAIBaseURL:   strings.TrimSpace(v.GetString("OPENAI_BASE_URL")),
		OpenAIModel:     strings.TrimSpace(v.GetString("OPENAI_MODEL")),
		DeepSeekAPIKey:  strings.TrimSpace(v.GetString("DEEPSEEK_API_KEY")),
		DeepSeekBaseURL: strings.TrimSpace(v.GetString("DEEPSEEK_BASE_URL")),
		DeepSeekModel:   strings.TrimSpace(v.GetString("DEEPSEEK_MODEL")),
		AnalysisTimeout: timeout,

		SMTPHost:     strings.TrimSpace(v.GetString("SMTP_HOST")),
		SMTPPort:     v.GetInt("SMTP_PORT"),
		SMTPUsername: strings.TrimSpace(v.GetString("SMTP_USERNAME")),
		SMTPPassword: v.GetString("SMTP_PASSWORD"),
		MailFrom:     strings.TrimSpace(v.GetString("MAIL_FROM")),

		ReminderCron:        strings.TrimSpace(v.GetString("REMINDER_CRON")),
		ReminderTimezone:    strings.TrimSpace(v.GetString("REMINDER_TIMEZONE")),
		ReminderConcurrency: concurrency,
		RedisURL:            strings.TrimSpace(v.GetString("REDIS_URL")),

		BootstrapClinicName:    strings.TrimSpace(v.GetString("BOOTSTRAP_CLINIC_NAME")),
		BootstrapAdminName:     strings.TrimSpace(v.GetString("BOOTSTRAP_ADMIN_NAME")),
		BootstrapAdminEmail:    strings.TrimSpace(v.GetString("BOOTSTRAP_ADMIN_EMAIL")),
		BootstrapAdminPassword: strings.TrimSpace(v.GetString("BOOTSTRAP_ADMIN_PASSWORD")),
	}, nil
}

// ReminderLocation 解析提醒任务使用的时区，空值或 Local 使用本地时区。
func (c AppConfig) ReminderLocation() (*time.Location, error) {
	name := strings.TrimSpace(c.ReminderTimezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load reminder timezone %q: %w", name, err)
	}
	return loc, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
