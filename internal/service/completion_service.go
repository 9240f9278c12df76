package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aivf/internal/db"
	"github.com/aivf/internal/logger"
	"github.com/aivf/internal/schedule"
	"gorm.io/gorm"
)

const (
	defaultAnalysisTimeout   = 15 * time.Second
	maxAnalysisErrorRunes    = 500
	completionDateLayout     = "2006-01-02"
	completionSlotKeyPattern = "%s|%s"
)

// CompletionService 记录患者的注射打卡以及症状描述
// 唯一键 (patient, protocol, date, time) 由数据库唯一索引保证，不做先查后插
type CompletionService struct {
	db       *gorm.DB
	analyzer MoodAnalyzer
	timeout  time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// RecordInput 定义一次打卡
type RecordInput struct {
	PatientID     uint
	ProtocolID    uint
	InjectionDate time.Time
	InjectionTime string
	RecordedByID  uint
}

// CompletionFilter 指定列表过滤条件
type CompletionFilter struct {
	ProtocolID uint
	From       *time.Time
	To         *time.Time
}

// NewCompletionService 构造 CompletionService，analyzer 为空时症状只保存不分析
func NewCompletionService(gdb *gorm.DB, analyzer MoodAnalyzer, log *logger.Logger) *CompletionService {
	if log == nil {
		log = logger.Nop()
	}
	return &CompletionService{
		db:       gdb,
		analyzer: analyzer,
		timeout:  defaultAnalysisTimeout,
		log:      log.With("component", "CompletionLedger"),
		now:      time.Now,
	}
}

// SetAnalysisTimeout 设置单次症状分析的超时时间
func (s *CompletionService) SetAnalysisTimeout(timeout time.Duration) {
	if timeout > 0 {
		s.timeout = timeout
	}
}

// SetClock 替换时间来源，测试中使用
func (s *CompletionService) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Record 新增一条打卡记录，重复打卡返回 ErrDuplicateCompletion
func (s *CompletionService) Record(input RecordInput) (*db.InjectionCompletion, error) {
	if input.PatientID == 0 || input.ProtocolID == 0 {
		return nil, validationErrorf("patient and protocol are required")
	}
	if input.InjectionDate.IsZero() {
		return nil, validationErrorf("injection date is required")
	}
	clock, err := schedule.NormalizeClock(input.InjectionTime)
	if err != nil {
		return nil, validationErrorf("%v", err)
	}

	if err := ensureAssignment(s.db, input.PatientID, input.ProtocolID); err != nil {
		return nil, err
	}

	completion := db.InjectionCompletion{
		PatientID:     input.PatientID,
		ProtocolID:    input.ProtocolID,
		InjectionDate: schedule.Date(input.InjectionDate),
		InjectionTime: clock,
		RecordedByID:  input.RecordedByID,
	}
	if err := s.db.Create(&completion).Error; err != nil {
		if db.IsDuplicate(err) {
			return nil, ErrDuplicateCompletion
		}
		return nil, fmt.Errorf("record completion: %w", err)
	}
	return &completion, nil
}

// LogSymptom 先保存症状描述，再尽力补充 AI 分析
// 分析失败只记录在 AnalysisStatus/AnalysisError 上，不会丢弃已保存的描述
func (s *CompletionService) LogSymptom(ctx context.Context, completionID, patientID uint, mood string) (*db.InjectionCompletion, error) {
	mood = strings.TrimSpace(mood)
	if mood == "" {
		return nil, validationErrorf("mood is required")
	}

	completion, err := s.ownedCompletion(completionID, patientID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"mood":            mood,
		"mood_analysis":   "",
		"analysis_status": db.AnalysisStatusPending,
		"analysis_error":  "",
		"analyzed_at":     nil,
	}
	if err := s.db.Model(completion).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("save mood: %w", err)
	}
	completion.Mood = mood
	completion.MoodAnalysis = ""
	completion.AnalysisStatus = db.AnalysisStatusPending
	completion.AnalysisError = ""
	completion.AnalyzedAt = nil

	if err := s.enrich(ctx, completion); err != nil {
		s.log.Warn("mood analysis failed, symptom kept", "completion_id", completion.ID, "error", err)
	}
	return completion, nil
}

// RetryAnalysis 对已保存症状但分析未完成的记录重新发起分析
func (s *CompletionService) RetryAnalysis(ctx context.Context, completionID, patientID uint) (*db.InjectionCompletion, error) {
	completion, err := s.ownedCompletion(completionID, patientID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(completion.Mood) == "" {
		return nil, ErrNothingToAnalyze
	}
	if completion.AnalysisStatus == db.AnalysisStatusDone {
		return completion, nil
	}
	if err := s.enrich(ctx, completion); err != nil {
		return completion, err
	}
	return completion, nil
}

// Get 获取属于患者的打卡记录
func (s *CompletionService) Get(completionID, patientID uint) (*db.InjectionCompletion, error) {
	return s.ownedCompletion(completionID, patientID)
}

// List 返回患者的打卡记录，最新的在前
func (s *CompletionService) List(patientID uint, filter CompletionFilter) ([]db.InjectionCompletion, error) {
	query := s.db.Where("patient_id = ?", patientID)
	if filter.ProtocolID != 0 {
		query = query.Where("protocol_id = ?", filter.ProtocolID)
	}
	if filter.From != nil {
		query = query.Where("injection_date >= ?", schedule.Date(*filter.From))
	}
	if filter.To != nil {
		query = query.Where("injection_date <= ?", schedule.Date(*filter.To))
	}

	var completions []db.InjectionCompletion
	if err := query.Order("injection_date DESC").Order("injection_time DESC").Find(&completions).Error; err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	return completions, nil
}

func (s *CompletionService) ownedCompletion(completionID, patientID uint) (*db.InjectionCompletion, error) {
	var completion db.InjectionCompletion
	if err := s.db.First(&completion, completionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCompletionNotFound
		}
		return nil, fmt.Errorf("get completion: %w", err)
	}
	if completion.PatientID != patientID {
		return nil, ErrNotOwner
	}
	return &completion, nil
}

// enrich 在超时限制内调用分析协作者并写回结果，失败时记录 failed 状态
func (s *CompletionService) enrich(ctx context.Context, completion *db.InjectionCompletion) error {
	if s.analyzer == nil {
		return nil
	}

	medicationName, err := s.medicationNameFor(completion)
	if err != nil {
		s.log.Warn("resolve medication for analysis", "completion_id", completion.ID, "error", err)
	}

	// 请求结束不应打断已发出的分析，超时仍然有界
	analysisCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	analysis, analyzeErr := s.analyzer.AnalyzeMood(analysisCtx, MoodInput{Mood: completion.Mood, MedicationName: medicationName})
	if analyzeErr != nil {
		if errors.Is(analyzeErr, context.DeadlineExceeded) {
			analyzeErr = fmt.Errorf("%w: analysis timed out after %s", ErrUpstream, s.timeout)
		}
		message := truncateRunes(analyzeErr.Error(), maxAnalysisErrorRunes)
		if err := s.db.Model(completion).Updates(map[string]interface{}{
			"analysis_status": db.AnalysisStatusFailed,
			"analysis_error":  message,
		}).Error; err != nil {
			return fmt.Errorf("record analysis failure: %w", err)
		}
		completion.AnalysisStatus = db.AnalysisStatusFailed
		completion.AnalysisError = message
		return analyzeErr
	}

	analyzedAt := s.now().UTC()
	if err := s.db.Model(completion).Updates(map[string]interface{}{
		"mood_analysis":   analysis,
		"analysis_status": db.AnalysisStatusDone,
		"analysis_error":  "",
		"analyzed_at":     analyzedAt,
	}).Error; err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	completion.MoodAnalysis = analysis
	completion.AnalysisStatus = db.AnalysisStatusDone
	completion.AnalysisError = ""
	completion.AnalyzedAt = &analyzedAt
	return nil
}

// medicationNameFor 通过日程投影找到该次注射对应的药品名，找不到时返回空字符串
func (s *CompletionService) medicationNameFor(completion *db.InjectionCompletion) (string, error) {
	var assignments []db.ProtocolAssignment
	if err := s.db.Preload("Protocol").
		Where("patient_id = ? AND protocol_id = ?", completion.PatientID, completion.ProtocolID).
		Order("start_date DESC").
		Find(&assignments).Error; err != nil {
		return "", fmt.Errorf("load assignments: %w", err)
	}

	for _, assignment := range assignments {
		def := assignment.Protocol.Definition()
		for _, item := range schedule.DueOn(def, assignment.StartDate, completion.InjectionDate) {
			if item.Spec.Time != completion.InjectionTime || item.Spec.MedicationID == 0 {
				continue
			}
			names, err := medicationNames(s.db, []uint{item.Spec.MedicationID})
			if err != nil {
				return "", err
			}
			return names[item.Spec.MedicationID], nil
		}
	}
	return "", nil
}

func completionSlotKey(date time.Time, clock string) string {
	return fmt.Sprintf(completionSlotKeyPattern, schedule.Date(date).Format(completionDateLayout), clock)
}
