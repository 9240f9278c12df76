package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/aivf/internal/logger"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Service 把数据库读取与纯扫描组合起来，供定时任务和命令行调用。
type Service struct {
	db    *gorm.DB
	sweep *Sweep
	log   *logger.Logger
}

// NewService 构造 Service。
func NewService(gdb *gorm.DB, sweep *Sweep, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{db: gdb, sweep: sweep, log: log.With("component", "ReminderService")}
}

// RunFor 以 today 为参考日执行一次扫描。
func (s *Service) RunFor(ctx context.Context, today time.Time) (Report, error) {
	candidates, err := LoadCandidates(ctx, s.db, today)
	if err != nil {
		return Report{}, err
	}
	names, err := LoadMedicationNames(ctx, s.db, candidates)
	if err != nil {
		return Report{}, err
	}
	return s.sweep.Run(ctx, today, candidates, names), nil
}

// Scheduler 按 cron 表达式在指定时区每天触发一次扫描。
type Scheduler struct {
	cron    *cron.Cron
	service *Service
	loc     *time.Location
	timeout time.Duration
	log     *logger.Logger
	now     func() time.Time
}

// NewScheduler 构造 Scheduler，spec 为标准五段 cron 表达式。
func NewScheduler(spec string, loc *time.Location, service *Service, log *logger.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		service: service,
		loc:     loc,
		timeout: 30 * time.Minute,
		log:     log.With("component", "ReminderScheduler"),
		now:     time.Now,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid reminder schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start 在后台启动调度。
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("reminder scheduler started", "location", s.loc.String())
}

// Stop 停止调度并返回一个在运行中的任务结束后关闭的 context。
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	today := s.now().In(s.loc)
	if _, err := s.service.RunFor(ctx, today); err != nil {
		s.log.Error("reminder sweep failed", "error", err)
	}
}
