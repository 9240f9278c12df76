// Package seed 从 YAML 文件导入诊所的药品目录与方案模板。
//
// 方案中的注射通过药品名称引用药品，导入时解析为诊所内的药品 ID。
// 重复导入是安全的：已存在的药品与同名方案会被跳过。
package seed

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aivf/internal/schedule"
	"github.com/aivf/internal/service"
	"gopkg.in/yaml.v3"
)

// File 是种子文件的顶层结构。
type File struct {
	Medications []Medication `yaml:"medications"`
	Protocols   []Protocol   `yaml:"protocols"`
}

// Medication 是一条药品。
type Medication struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Protocol 是一条方案模板。
type Protocol struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Phases      []Phase `yaml:"phases"`
}

// Phase 与 schedule.Phase 相同，只是注射按药品名称引用药品。
type Phase struct {
	Name       string      `yaml:"name"`
	Duration   int         `yaml:"duration"`
	Injections []Injection `yaml:"injections"`
}

// Injection 是阶段内的一次注射，Medication 为空表示不关联药品。
type Injection struct {
	DayOfPhase int    `yaml:"dayOfPhase"`
	Medication string `yaml:"medication"`
	Dosage     string `yaml:"dosage"`
	Time       string `yaml:"time"`
}

// Result 汇总一次导入。
type Result struct {
	MedicationsCreated int
	MedicationsSkipped int
	ProtocolsCreated   int
	ProtocolsSkipped   int
}

// Parse 解析种子文件，未知字段视为错误。
func Parse(r io.Reader) (File, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, errors.New("seed file is empty")
		}
		return File{}, fmt.Errorf("parse seed file: %w", err)
	}
	return file, nil
}

// Importer 通过业务服务写入种子数据，沿用与接口相同的校验。
type Importer struct {
	medications *service.MedicationService
	protocols   *service.ProtocolService
}

// NewImporter 构造 Importer。
func NewImporter(medications *service.MedicationService, protocols *service.ProtocolService) *Importer {
	return &Importer{medications: medications, protocols: protocols}
}

// Apply 把种子数据导入到指定诊所。
func (im *Importer) Apply(clinicID uint, file File) (Result, error) {
	var result Result

	for _, med := range file.Medications {
		_, err := im.medications.Create(clinicID, service.MedicationInput{Name: med.Name, Description: med.Description})
		switch {
		case err == nil:
			result.MedicationsCreated++
		case errors.Is(err, service.ErrMedicationExists):
			result.MedicationsSkipped++
		default:
			return result, fmt.Errorf("medication %q: %w", med.Name, err)
		}
	}

	existingMeds, err := im.medications.List(clinicID)
	if err != nil {
		return result, err
	}
	medicationIDs := make(map[string]uint, len(existingMeds))
	for _, med := range existingMeds {
		medicationIDs[strings.ToLower(med.Name)] = med.ID
	}

	existingProtocols, err := im.protocols.List(clinicID)
	if err != nil {
		return result, err
	}
	protocolNames := make(map[string]bool, len(existingProtocols))
	for _, p := range existingProtocols {
		protocolNames[strings.ToLower(p.Name)] = true
	}

	for _, protocol := range file.Protocols {
		key := strings.ToLower(strings.TrimSpace(protocol.Name))
		if protocolNames[key] {
			result.ProtocolsSkipped++
			continue
		}
		phases, err := resolvePhases(protocol.Phases, medicationIDs)
		if err != nil {
			return result, fmt.Errorf("protocol %q: %w", protocol.Name, err)
		}
		if _, err := im.protocols.Create(clinicID, service.ProtocolInput{
			Name:        protocol.Name,
			Description: protocol.Description,
			Phases:      phases,
		}); err != nil {
			return result, fmt.Errorf("protocol %q: %w", protocol.Name, err)
		}
		protocolNames[key] = true
		result.ProtocolsCreated++
	}
	return result, nil
}

func resolvePhases(phases []Phase, medicationIDs map[string]uint) ([]schedule.Phase, error) {
	out := make([]schedule.Phase, 0, len(phases))
	for _, phase := range phases {
		resolved := schedule.Phase{Name: phase.Name, Duration: phase.Duration}
		for _, inj := range phase.Injections {
			spec := schedule.InjectionSpec{DayOfPhase: inj.DayOfPhase, Dosage: inj.Dosage, Time: inj.Time}
			if name := strings.TrimSpace(inj.Medication); name != "" {
				id, ok := medicationIDs[strings.ToLower(name)]
				if !ok {
					return nil, fmt.Errorf("unknown medication %q", name)
				}
				spec.MedicationID = id
			}
			resolved.Injections = append(resolved.Injections, spec)
		}
		out = append(out, resolved)
	}
	return out, nil
}
