package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aivf/internal/db"
	"github.com/aivf/internal/schedule"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProtocolService 维护诊所的方案模板
// 方案创建后不提供修改接口，已分配的日程因此保持稳定
type ProtocolService struct {
	db *gorm.DB
}

// ProtocolInput 定义新建方案时的字段
type ProtocolInput struct {
	Name        string
	Description string
	Phases      []schedule.Phase
}

// NewProtocolService 构造 ProtocolService
func NewProtocolService(gdb *gorm.DB) *ProtocolService {
	return &ProtocolService{db: gdb}
}

// Create 校验模板结构与药品归属后保存方案
func (s *ProtocolService) Create(clinicID uint, input ProtocolInput) (*db.Protocol, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validationErrorf("protocol name is required")
	}
	if clinicID == 0 {
		return nil, validationErrorf("user is not associated with a clinic")
	}

	def := schedule.Definition{Phases: input.Phases}
	if err := def.Validate(); err != nil {
		return nil, validationErrorf("%v", err)
	}
	def = def.Normalized()

	if err := s.ensureMedicationsInClinic(clinicID, def.MedicationIDs()); err != nil {
		return nil, err
	}

	protocol := db.Protocol{
		ClinicID:    clinicID,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Phases:      datatypes.NewJSONType(def.Phases),
	}
	if err := s.db.Create(&protocol).Error; err != nil {
		return nil, fmt.Errorf("create protocol: %w", err)
	}
	return &protocol, nil
}

// List 返回诊所的全部方案，最新的在前
func (s *ProtocolService) List(clinicID uint) ([]db.Protocol, error) {
	var protocols []db.Protocol
	if err := s.db.Where("clinic_id = ?", clinicID).Order("created_at DESC").Find(&protocols).Error; err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	return protocols, nil
}

// Get 获取诊所内的方案，其他诊所的方案视为不存在
func (s *ProtocolService) Get(clinicID, id uint) (*db.Protocol, error) {
	return findProtocolInClinic(s.db, clinicID, id)
}

func findProtocolInClinic(tx *gorm.DB, clinicID, id uint) (*db.Protocol, error) {
	var protocol db.Protocol
	if err := tx.Where("id = ? AND clinic_id = ?", id, clinicID).First(&protocol).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProtocolNotFound
		}
		return nil, fmt.Errorf("get protocol: %w", err)
	}
	return &protocol, nil
}

func (s *ProtocolService) ensureMedicationsInClinic(clinicID uint, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	var count int64
	if err := s.db.Model(&db.Medication{}).
		Where("clinic_id = ? AND id IN ?", clinicID, ids).
		Count(&count).Error; err != nil {
		return fmt.Errorf("check medications: %w", err)
	}
	if int(count) != len(ids) {
		return validationErrorf("protocol references medications outside this clinic")
	}
	return nil
}
