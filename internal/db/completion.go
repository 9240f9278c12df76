package db

import (
	"time"

	"github.com/aivf/internal/schedule"
	"gorm.io/gorm"
)

const (
	// AnalysisStatusPending 已保存症状描述，等待 AI 分析。
	AnalysisStatusPending = "pending"
	// AnalysisStatusDone AI 分析已写入。
	AnalysisStatusDone = "done"
	// AnalysisStatusFailed 最近一次分析失败，症状描述仍然保留。
	AnalysisStatusFailed = "failed"
)

// InjectionCompletion 记录患者完成的一次注射。
// (PatientID, ProtocolID, InjectionDate, InjectionTime) 采用唯一索引，由数据库保证同一注射只记录一次。
// InjectionDate 以 UTC 零点存储自然日；InjectionTime 为 "HH:MM"。
type InjectionCompletion struct {
	gorm.Model
	PatientID      uint      `gorm:"not null;index;uniqueIndex:idx_injection_completion_unique"`
	ProtocolID     uint      `gorm:"not null;uniqueIndex:idx_injection_completion_unique"`
	InjectionDate  time.Time `gorm:"not null;uniqueIndex:idx_injection_completion_unique"`
	InjectionTime  string    `gorm:"size:5;not null;uniqueIndex:idx_injection_completion_unique"`
	Mood           string    `gorm:"type:text"`
	MoodAnalysis   string    `gorm:"type:text"`
	AnalysisStatus string    `gorm:"size:16"`
	AnalysisError  string
	AnalyzedAt     *time.Time
	RecordedByID   uint
}

// TableName 重写确保唯一索引作用到固定表名
func (InjectionCompletion) TableName() string {
	return "injection_completions"
}

// AfterFind 把读回的注射日期还原为 UTC 零点，保证打卡键与日程投影一致。
func (c *InjectionCompletion) AfterFind(tx *gorm.DB) error {
	c.InjectionDate = schedule.DateOf(c.InjectionDate)
	return nil
}

// Appointment 诊所为患者安排的就诊。
type Appointment struct {
	gorm.Model
	ClinicID  uint      `gorm:"index;not null"`
	PatientID uint      `gorm:"index;not null"`
	Type      string    `gorm:"size:100;not null"`
	Date      time.Time `gorm:"index;not null"`
	Notes     string
}

// ReminderDispatch 标记某患者某天的提醒已经发出，(PatientID, ReminderDate) 唯一。
type ReminderDispatch struct {
	gorm.Model
	PatientID    uint      `gorm:"not null;uniqueIndex:idx_reminder_dispatch_unique"`
	ReminderDate time.Time `gorm:"not null;uniqueIndex:idx_reminder_dispatch_unique"`
}
