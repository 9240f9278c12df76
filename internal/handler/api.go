package handler

import (
	"strings"
	"time"

	"github.com/aivf/internal/logger"
	"github.com/aivf/internal/mailer"
	"github.com/aivf/internal/service"
	"gorm.io/gorm"
)

// Options 描述构造 API 时需要的外部协作者与配置。
type Options struct {
	SessionSecret   string
	SiteBaseURL     string
	AI              service.AIConfig
	AnalysisTimeout time.Duration
	Mailer          mailer.Sender
	Location        *time.Location
	Logger          *logger.Logger
}

// API bundles shared dependencies for HTTP handlers.
type API struct {
	db           *gorm.DB
	accounts     *service.AccountService
	medications  *service.MedicationService
	protocols    *service.ProtocolService
	assignments  *service.AssignmentService
	completions  *service.CompletionService
	progress     *service.ProgressService
	appointments *service.AppointmentService
	assistant    *service.AIAssistantService
	mailer       mailer.Sender
	siteBaseURL  string
	location     *time.Location
	now          func() time.Time
	log          *logger.Logger
}

// NewAPI constructs a handler set with shared services.
func NewAPI(db *gorm.DB, opts Options) *API {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	sender := opts.Mailer
	if sender == nil {
		sender = mailer.NewLogSender(log)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	assistant := service.NewAIAssistantService(opts.AI, log)
	completions := service.NewCompletionService(db, assistant, log)
	completions.SetAnalysisTimeout(opts.AnalysisTimeout)

	return &API{
		db:           db,
		accounts:     service.NewAccountService(db, opts.SessionSecret),
		medications:  service.NewMedicationService(db),
		protocols:    service.NewProtocolService(db),
		assignments:  service.NewAssignmentService(db),
		completions:  completions,
		progress:     service.NewProgressService(db),
		appointments: service.NewAppointmentService(db),
		assistant:    assistant,
		mailer:       sender,
		siteBaseURL:  strings.TrimRight(strings.TrimSpace(opts.SiteBaseURL), "/"),
		location:     loc,
		now:          time.Now,
		log:          log.With("component", "API"),
	}
}

// Assistant 暴露 AI 助手，便于测试替换 HTTP 客户端。
func (a *API) Assistant() *service.AIAssistantService {
	return a.assistant
}

// SetClock 替换 "今天" 的来源，测试中使用。
func (a *API) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// today 返回诊所时区下的当前时间。
func (a *API) today() time.Time {
	return a.now().In(a.location)
}
