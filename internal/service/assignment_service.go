package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/aivf/internal/db"
	"github.com/aivf/internal/schedule"
	"gorm.io/gorm"
)

// AssignmentService 负责为患者分配方案
// 重新分配只会新增记录，历史分配保留用于回溯
type AssignmentService struct {
	db *gorm.DB
}

// AssignInput 定义一次分配
type AssignInput struct {
	PatientID  uint
	ProtocolID uint
	StartDate  *time.Time
}

// NewAssignmentService 构造 AssignmentService
func NewAssignmentService(gdb *gorm.DB) *AssignmentService {
	return &AssignmentService{db: gdb}
}

// Assign 把诊所内的方案分配给诊所内的患者
func (s *AssignmentService) Assign(clinicID, adminID uint, input AssignInput) (*db.ProtocolAssignment, error) {
	if input.PatientID == 0 || input.ProtocolID == 0 || input.StartDate == nil || input.StartDate.IsZero() {
		return nil, validationErrorf("patient, protocol and start date are required")
	}

	patient, err := findPatientInClinic(s.db, clinicID, input.PatientID)
	if err != nil {
		return nil, err
	}
	protocol, err := findProtocolInClinic(s.db, clinicID, input.ProtocolID)
	if err != nil {
		return nil, err
	}

	assignment := db.ProtocolAssignment{
		PatientID:    patient.ID,
		ProtocolID:   protocol.ID,
		StartDate:    schedule.Date(*input.StartDate),
		AssignedByID: adminID,
	}
	if err := s.db.Omit("Patient", "Protocol").Create(&assignment).Error; err != nil {
		return nil, fmt.Errorf("create assignment: %w", err)
	}
	assignment.Patient = *patient
	assignment.Protocol = *protocol
	return &assignment, nil
}

// History 返回患者全部分配记录，开始日期最近的在前
func (s *AssignmentService) History(patientID uint) ([]db.ProtocolAssignment, error) {
	var assignments []db.ProtocolAssignment
	if err := s.db.Preload("Protocol").
		Where("patient_id = ?", patientID).
		Order("start_date DESC").
		Order("id DESC").
		Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return assignments, nil
}

// Current 返回 today 时生效的分配：开始日期不晚于今天的最近一条，
// 没有已开始的分配时退回开始日期最晚的一条
func (s *AssignmentService) Current(patientID uint, today time.Time) (*db.ProtocolAssignment, error) {
	return currentAssignment(s.db, patientID, today)
}

func currentAssignment(tx *gorm.DB, patientID uint, today time.Time) (*db.ProtocolAssignment, error) {
	var assignment db.ProtocolAssignment
	err := tx.Preload("Protocol").
		Where("patient_id = ? AND start_date <= ?", patientID, schedule.Date(today)).
		Order("start_date DESC").
		Order("id DESC").
		First(&assignment).Error
	if err == nil {
		return &assignment, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("find current assignment: %w", err)
	}

	err = tx.Preload("Protocol").
		Where("patient_id = ?", patientID).
		Order("start_date DESC").
		Order("id DESC").
		First(&assignment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("find upcoming assignment: %w", err)
	}
	return &assignment, nil
}

func ensureAssignment(tx *gorm.DB, patientID, protocolID uint) error {
	var count int64
	if err := tx.Model(&db.ProtocolAssignment{}).
		Where("patient_id = ? AND protocol_id = ?", patientID, protocolID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("check assignment: %w", err)
	}
	if count == 0 {
		return ErrAssignmentNotFound
	}
	return nil
}
