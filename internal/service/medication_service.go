package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aivf/internal/db"
	"gorm.io/gorm"
)

// MedicationService 维护诊所内的药品目录
// 同一诊所药品名唯一，由唯一索引保证
type MedicationService struct {
	db *gorm.DB
}

// MedicationInput 定义新建药品时的字段
type MedicationInput struct {
	Name        string
	Description string
}

// NewMedicationService 构造 MedicationService
func NewMedicationService(gdb *gorm.DB) *MedicationService {
	return &MedicationService{db: gdb}
}

// Create 新建药品
func (s *MedicationService) Create(clinicID uint, input MedicationInput) (*db.Medication, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validationErrorf("medication name is required")
	}
	if clinicID == 0 {
		return nil, validationErrorf("user is not associated with a clinic")
	}

	medication := db.Medication{
		ClinicID:    clinicID,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
	}
	if err := s.db.Create(&medication).Error; err != nil {
		if db.IsDuplicate(err) {
			return nil, ErrMedicationExists
		}
		return nil, fmt.Errorf("create medication: %w", err)
	}
	return &medication, nil
}

// List 返回诊所全部药品，按名称排序
func (s *MedicationService) List(clinicID uint) ([]db.Medication, error) {
	var medications []db.Medication
	if err := s.db.Where("clinic_id = ?", clinicID).Order("name ASC").Find(&medications).Error; err != nil {
		return nil, fmt.Errorf("list medications: %w", err)
	}
	return medications, nil
}

// Get 获取诊所内的单个药品
func (s *MedicationService) Get(clinicID, id uint) (*db.Medication, error) {
	var medication db.Medication
	if err := s.db.Where("id = ? AND clinic_id = ?", id, clinicID).First(&medication).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMedicationNotFound
		}
		return nil, fmt.Errorf("get medication: %w", err)
	}
	return &medication, nil
}

// medicationNames 返回药品 ID 到名称的映射，缺失的 ID 不出现在结果中
func medicationNames(tx *gorm.DB, ids []uint) (map[uint]string, error) {
	names := make(map[uint]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	var medications []db.Medication
	if err := tx.Select("id", "name").Where("id IN ?", ids).Find(&medications).Error; err != nil {
		return nil, fmt.Errorf("load medication names: %w", err)
	}
	for _, m := range medications {
		names[m.ID] = m.Name
	}
	return names, nil
}
