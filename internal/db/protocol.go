package db

import (
	"time"

	"github.com/aivf/internal/schedule"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Medication 是诊所维护的药品目录，同一诊所内名称唯一。
type Medication struct {
	gorm.Model
	ClinicID    uint   `gorm:"not null;uniqueIndex:idx_medication_clinic_name"`
	Name        string `gorm:"size:200;not null;uniqueIndex:idx_medication_clinic_name"`
	Description string
}

// Protocol 是治疗方案模板。阶段结构整体以 JSON 存储。
// 方案一旦被分配即视为不可变，修改模板需要新建方案。
type Protocol struct {
	gorm.Model
	ClinicID    uint   `gorm:"index;not null"`
	Name        string `gorm:"size:200;not null"`
	Description string
	Phases      datatypes.JSONType[[]schedule.Phase] `gorm:"column:phases"`
}

// Definition 返回用于日程投影的方案定义。
func (p Protocol) Definition() schedule.Definition {
	return schedule.Definition{Phases: p.Phases.Data()}
}

// ProtocolAssignment 把方案绑定到患者与具体开始日期。
// 重新分配会新增一条记录，旧记录保留作为历史。
type ProtocolAssignment struct {
	gorm.Model
	PatientID    uint      `gorm:"index;not null"`
	Patient      User      `gorm:"constraint:OnDelete:CASCADE"`
	ProtocolID   uint      `gorm:"index;not null"`
	Protocol     Protocol  `gorm:"constraint:OnDelete:RESTRICT"`
	StartDate    time.Time `gorm:"index;not null"`
	AssignedByID uint
}

// AfterFind 把读回的开始日期还原为 UTC 零点。
func (a *ProtocolAssignment) AfterFind(tx *gorm.DB) error {
	a.StartDate = schedule.DateOf(a.StartDate)
	return nil
}
