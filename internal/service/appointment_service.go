package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/aivf/internal/db"
	"gorm.io/gorm"
)

// AppointmentService 管理诊所为患者安排的就诊
type AppointmentService struct {
	db *gorm.DB
}

// AppointmentInput 定义新建就诊时的字段
type AppointmentInput struct {
	PatientID uint
	Type      string
	Date      *time.Time
	Notes     string
}

// NewAppointmentService 构造 AppointmentService
func NewAppointmentService(gdb *gorm.DB) *AppointmentService {
	return &AppointmentService{db: gdb}
}

// Create 为诊所内的患者新建就诊
func (s *AppointmentService) Create(clinicID uint, input AppointmentInput) (*db.Appointment, error) {
	kind := strings.TrimSpace(input.Type)
	if input.PatientID == 0 || kind == "" || input.Date == nil || input.Date.IsZero() {
		return nil, validationErrorf("patient, type and date are required")
	}
	if _, err := findPatientInClinic(s.db, clinicID, input.PatientID); err != nil {
		return nil, err
	}

	appointment := db.Appointment{
		ClinicID:  clinicID,
		PatientID: input.PatientID,
		Type:      kind,
		Date:      input.Date.UTC(),
		Notes:     strings.TrimSpace(input.Notes),
	}
	if err := s.db.Create(&appointment).Error; err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	return &appointment, nil
}

// ListForClinic 返回诊所全部就诊，按时间升序
func (s *AppointmentService) ListForClinic(clinicID uint) ([]db.Appointment, error) {
	var appointments []db.Appointment
	if err := s.db.Where("clinic_id = ?", clinicID).Order("date ASC").Find(&appointments).Error; err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

// Upcoming 返回患者从 now 起的就诊
func (s *AppointmentService) Upcoming(patientID uint, now time.Time) ([]db.Appointment, error) {
	var appointments []db.Appointment
	if err := s.db.Where("patient_id = ? AND date >= ?", patientID, now.UTC()).
		Order("date ASC").
		Find(&appointments).Error; err != nil {
		return nil, fmt.Errorf("list upcoming appointments: %w", err)
	}
	return appointments, nil
}
