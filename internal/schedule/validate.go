package schedule

import (
	"errors"
	"fmt"
	"strings"
)

// Validate 在创建方案时检查模板结构；投影阶段不会再次校验。
func (d Definition) Validate() error {
	if len(d.Phases) == 0 {
		return errors.New("at least one phase is required")
	}

	var problems []string
	for i, phase := range d.Phases {
		label := fmt.Sprintf("phase %d", i+1)
		if name := strings.TrimSpace(phase.Name); name != "" {
			label = fmt.Sprintf("phase %d (%s)", i+1, name)
		}
		if phase.Duration < 1 {
			problems = append(problems, fmt.Sprintf("%s: duration must be at least 1 day", label))
			continue
		}
		for j, spec := range phase.Injections {
			if spec.DayOfPhase < 1 || spec.DayOfPhase > phase.Duration {
				problems = append(problems, fmt.Sprintf("%s injection %d: dayOfPhase %d outside 1..%d", label, j+1, spec.DayOfPhase, phase.Duration))
			}
			if _, err := ParseClock(spec.Time); err != nil {
				problems = append(problems, fmt.Sprintf("%s injection %d: %v", label, j+1, err))
			}
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Normalized 返回一份去除空白并规范时间格式的副本，用于持久化前的清洗。
func (d Definition) Normalized() Definition {
	out := Definition{Phases: make([]Phase, 0, len(d.Phases))}
	for _, phase := range d.Phases {
		np := Phase{
			Name:       strings.TrimSpace(phase.Name),
			Duration:   phase.Duration,
			Injections: make([]InjectionSpec, 0, len(phase.Injections)),
		}
		for _, spec := range phase.Injections {
			ns := spec
			ns.Dosage = strings.TrimSpace(spec.Dosage)
			if clock, err := NormalizeClock(spec.Time); err == nil {
				ns.Time = clock
			}
			np.Injections = append(np.Injections, ns)
		}
		out.Phases = append(out.Phases, np)
	}
	return out
}

// MedicationIDs 返回模板中引用的去重药品 ID，保持首次出现的顺序。
func (d Definition) MedicationIDs() []uint {
	seen := make(map[uint]struct{})
	ids := []uint{}
	for _, phase := range d.Phases {
		for _, spec := range phase.Injections {
			if spec.MedicationID == 0 {
				continue
			}
			if _, ok := seen[spec.MedicationID]; ok {
				continue
			}
			seen[spec.MedicationID] = struct{}{}
			ids = append(ids, spec.MedicationID)
		}
	}
	return ids
}
