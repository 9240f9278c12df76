package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/aivf/internal/db"
	"github.com/aivf/internal/schedule"
	"gorm.io/gorm"
)

// ProgressService 把日程投影与打卡记录组合成患者可见的视图
// 所有方法都接收调用方给出的 today，不读取全局时钟
type ProgressService struct {
	db *gorm.DB
}

// ScheduledInjection 是落到具体日期的一次注射以及打卡状态
type ScheduledInjection struct {
	Date           string `json:"date"`
	DayNumber      int    `json:"dayNumber"`
	PhaseName      string `json:"phaseName"`
	DayOfPhase     int    `json:"dayOfPhase"`
	MedicationID   uint   `json:"medicationId,omitempty"`
	MedicationName string `json:"medicationName,omitempty"`
	Dosage         string `json:"dosage"`
	Time           string `json:"time"`
	Completed      bool   `json:"completed"`
	CompletionID   uint   `json:"completionId,omitempty"`
}

// AssignmentSummary 是一条分配记录的概要
type AssignmentSummary struct {
	AssignmentID uint   `json:"assignmentId"`
	ProtocolID   uint   `json:"protocolId"`
	ProtocolName string `json:"protocolName"`
	StartDate    string `json:"startDate"`
	EndDate      string `json:"endDate"`
	TotalDays    int    `json:"totalDays"`
}

// StateUnassigned 表示患者还没有任何方案分配，视图为空而不是错误
const StateUnassigned = "unassigned"

// TodayView 是患者当天的日程，未分配时 Assignment 为 nil
type TodayView struct {
	Assignment *AssignmentSummary   `json:"assignment"`
	Date       string               `json:"date"`
	State      string               `json:"state"`
	DayNumber  int                  `json:"dayNumber"`
	PhaseName  string               `json:"phaseName,omitempty"`
	DayOfPhase int                  `json:"dayOfPhase,omitempty"`
	Injections []ScheduledInjection `json:"injections"`
}

// CalendarView 是当前分配的完整日历，未分配时 Assignment 为 nil
type CalendarView struct {
	Assignment *AssignmentSummary   `json:"assignment"`
	State      string               `json:"state"`
	Progress   schedule.Progress    `json:"progress"`
	Injections []ScheduledInjection `json:"injections"`
}

// HistoryEntry 是一条历史分配及其进度
type HistoryEntry struct {
	AssignmentSummary
	State    string            `json:"state"`
	Progress schedule.Progress `json:"progress"`
}

// NewProgressService 构造 ProgressService
func NewProgressService(gdb *gorm.DB) *ProgressService {
	return &ProgressService{db: gdb}
}

// Today 返回患者当前分配在 today 的注射安排
func (s *ProgressService) Today(patientID uint, today time.Time) (*TodayView, error) {
	assignment, err := currentAssignment(s.db, patientID, today)
	if errors.Is(err, ErrAssignmentNotFound) {
		return &TodayView{
			Date:       schedule.Date(today).Format(completionDateLayout),
			State:      StateUnassigned,
			Injections: []ScheduledInjection{},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	def := assignment.Protocol.Definition()
	loc := schedule.Locate(def, assignment.StartDate, today)
	due := schedule.DueOn(def, assignment.StartDate, today)

	injections, err := s.decorate(patientID, assignment.ProtocolID, due)
	if err != nil {
		return nil, err
	}

	summary := summarize(assignment)
	view := &TodayView{
		Assignment: &summary,
		Date:       schedule.Date(today).Format(completionDateLayout),
		State:      loc.State.String(),
		DayNumber:  loc.DayNumber,
		Injections: injections,
	}
	if loc.Found() {
		view.PhaseName = def.Phases[loc.PhaseIndex].Name
		view.DayOfPhase = loc.DayOfPhase
	}
	return view, nil
}

// Calendar 返回当前分配的完整日历与进度
func (s *ProgressService) Calendar(patientID uint, today time.Time) (*CalendarView, error) {
	assignment, err := currentAssignment(s.db, patientID, today)
	if errors.Is(err, ErrAssignmentNotFound) {
		return &CalendarView{
			State:      StateUnassigned,
			Progress:   schedule.ComputeProgress(0, 0),
			Injections: []ScheduledInjection{},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	def := assignment.Protocol.Definition()
	calendar := schedule.FullCalendar(def, assignment.StartDate)

	injections, err := s.decorate(patientID, assignment.ProtocolID, calendar)
	if err != nil {
		return nil, err
	}
	completed, err := s.countCompletions(patientID, assignment.ProtocolID)
	if err != nil {
		return nil, err
	}

	summary := summarize(assignment)
	return &CalendarView{
		Assignment: &summary,
		State:      schedule.Locate(def, assignment.StartDate, today).State.String(),
		Progress:   schedule.ComputeProgress(len(calendar), completed),
		Injections: injections,
	}, nil
}

// History 返回患者全部分配及各自进度，最近开始的在前
func (s *ProgressService) History(patientID uint, today time.Time) ([]HistoryEntry, error) {
	var assignments []db.ProtocolAssignment
	if err := s.db.Preload("Protocol").
		Where("patient_id = ?", patientID).
		Order("start_date DESC").
		Order("id DESC").
		Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	counts, err := s.completionCounts(patientID)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(assignments))
	for i := range assignments {
		assignment := &assignments[i]
		def := assignment.Protocol.Definition()
		entries = append(entries, HistoryEntry{
			AssignmentSummary: summarize(assignment),
			State:             schedule.Locate(def, assignment.StartDate, today).State.String(),
			Progress:          schedule.ComputeProgress(def.TotalInjections(), counts[assignment.ProtocolID]),
		})
	}
	return entries, nil
}

// Progress 计算患者在某方案上的进度，未打卡或方案为空时为 0
func (s *ProgressService) Progress(patientID uint, protocol *db.Protocol) (schedule.Progress, error) {
	completed, err := s.countCompletions(patientID, protocol.ID)
	if err != nil {
		return schedule.Progress{}, err
	}
	return schedule.ComputeProgress(protocol.Definition().TotalInjections(), completed), nil
}

func (s *ProgressService) countCompletions(patientID, protocolID uint) (int, error) {
	var count int64
	if err := s.db.Model(&db.InjectionCompletion{}).
		Where("patient_id = ? AND protocol_id = ?", patientID, protocolID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count completions: %w", err)
	}
	return int(count), nil
}

func (s *ProgressService) completionCounts(patientID uint) (map[uint]int, error) {
	type row struct {
		ProtocolID uint
		Total      int
	}
	var rows []row
	if err := s.db.Model(&db.InjectionCompletion{}).
		Select("protocol_id, COUNT(*) AS total").
		Where("patient_id = ?", patientID).
		Group("protocol_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count completions: %w", err)
	}
	counts := make(map[uint]int, len(rows))
	for _, r := range rows {
		counts[r.ProtocolID] = r.Total
	}
	return counts, nil
}

// decorate 补充药品名称与打卡状态，保持投影顺序
func (s *ProgressService) decorate(patientID, protocolID uint, items []schedule.Scheduled) ([]ScheduledInjection, error) {
	out := make([]ScheduledInjection, 0, len(items))
	if len(items) == 0 {
		return out, nil
	}

	ids := make([]uint, 0, len(items))
	for _, item := range items {
		if item.Spec.MedicationID != 0 {
			ids = append(ids, item.Spec.MedicationID)
		}
	}
	names, err := medicationNames(s.db, ids)
	if err != nil {
		return nil, err
	}

	var completions []db.InjectionCompletion
	if err := s.db.Select("id", "injection_date", "injection_time").
		Where("patient_id = ? AND protocol_id = ?", patientID, protocolID).
		Where("injection_date BETWEEN ? AND ?", items[0].Date, items[len(items)-1].Date).
		Find(&completions).Error; err != nil {
		return nil, fmt.Errorf("load completions: %w", err)
	}
	done := make(map[string]uint, len(completions))
	for _, c := range completions {
		done[completionSlotKey(c.InjectionDate, c.InjectionTime)] = c.ID
	}

	for _, item := range items {
		entry := ScheduledInjection{
			Date:           item.Date.Format(completionDateLayout),
			DayNumber:      item.DayNumber,
			PhaseName:      item.PhaseName,
			DayOfPhase:     item.DayOfPhase,
			MedicationID:   item.Spec.MedicationID,
			MedicationName: names[item.Spec.MedicationID],
			Dosage:         item.Spec.Dosage,
			Time:           item.Spec.Time,
		}
		if id, ok := done[completionSlotKey(item.Date, item.Spec.Time)]; ok {
			entry.Completed = true
			entry.CompletionID = id
		}
		out = append(out, entry)
	}
	return out, nil
}

func summarize(assignment *db.ProtocolAssignment) AssignmentSummary {
	def := assignment.Protocol.Definition()
	return AssignmentSummary{
		AssignmentID: assignment.ID,
		ProtocolID:   assignment.ProtocolID,
		ProtocolName: assignment.Protocol.Name,
		StartDate:    schedule.Date(assignment.StartDate).Format(completionDateLayout),
		EndDate:      def.EndDate(assignment.StartDate).Format(completionDateLayout),
		TotalDays:    def.TotalDays(),
	}
}
