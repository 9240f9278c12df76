// Package schedule 把治疗方案模板与开始日期映射为具体的每日注射日程。
//
// 包内所有函数均为纯函数：不做 I/O、不读取全局时钟，"今天" 一律由调用方传入。
// 日期只按自然日计算，时间部分会被丢弃。
package schedule

import (
	"slices"
	"time"
)

// InjectionSpec 描述阶段内某一天的一次注射。
// MedicationID 为 0 表示未关联药品，渲染时回退为通用名称。
type InjectionSpec struct {
	DayOfPhase   int    `json:"dayOfPhase" yaml:"dayOfPhase"`
	MedicationID uint   `json:"medicationId,omitempty" yaml:"medicationId"`
	Dosage       string `json:"dosage" yaml:"dosage"`
	Time         string `json:"time" yaml:"time"`
}

// Phase 是方案中连续的一段天数。
type Phase struct {
	Name       string          `json:"name" yaml:"name"`
	Duration   int             `json:"duration" yaml:"duration"`
	Injections []InjectionSpec `json:"injections" yaml:"injections"`
}

// Definition 是不可变的方案模板，按顺序排列的阶段列表。
type Definition struct {
	Phases []Phase `json:"phases" yaml:"phases"`
}

// State 表示某一天相对方案区间的位置。
type State int

const (
	// StateNotStarted 参考日期早于开始日期。
	StateNotStarted State = iota
	// StateActive 参考日期落在某个阶段内。
	StateActive
	// StateCompleted 参考日期晚于最后一个阶段，或方案没有任何阶段。
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateActive:
		return "active"
	default:
		return "completed"
	}
}

// Location 是 LocatePhase 的结果，仅在 State 为 StateActive 时 PhaseIndex/DayOfPhase 有效。
type Location struct {
	State      State
	DayNumber  int
	PhaseIndex int
	DayOfPhase int
}

// Found 报告该天是否落在某个阶段内。
func (l Location) Found() bool {
	return l.State == StateActive
}

// Scheduled 是一次落到具体日历日期的注射。
type Scheduled struct {
	Date       time.Time
	DayNumber  int
	PhaseIndex int
	PhaseName  string
	DayOfPhase int
	Spec       InjectionSpec
}

// Date 取 t 所在时区的年月日，返回 UTC 零点，用作统一的自然日表示。
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateOf 还原以 UTC 零点写入的自然日，忽略读回时附带的时区。
// 数据库驱动可能按会话时区返回 timestamptz，直接调用 Date 会在 UTC 以西错开一天。
func DateOf(stored time.Time) time.Time {
	return Date(stored.UTC())
}

// ResolveDayNumber 返回 referenceDate 是方案的第几天（开始当天为 1）。
// 小于 1 表示尚未开始。
func ResolveDayNumber(startDate, referenceDate time.Time) int {
	days := Date(referenceDate).Sub(Date(startDate)) / (24 * time.Hour)
	return int(days) + 1
}

// TotalDays 返回所有阶段时长之和，非正时长的阶段不计入。
func (d Definition) TotalDays() int {
	total := 0
	for _, phase := range d.Phases {
		if phase.Duration > 0 {
			total += phase.Duration
		}
	}
	return total
}

// EndDate 返回方案最后一天的日期；没有阶段时返回开始日期前一天。
func (d Definition) EndDate(startDate time.Time) time.Time {
	return Date(startDate).AddDate(0, 0, d.TotalDays()-1)
}

// LocatePhase 按顺序累加阶段时长，找到 dayNumber 所在的阶段及阶段内天数。
func LocatePhase(def Definition, dayNumber int) Location {
	loc := Location{DayNumber: dayNumber, PhaseIndex: -1}

	total := def.TotalDays()
	if total == 0 {
		loc.State = StateCompleted
		return loc
	}
	if dayNumber < 1 {
		loc.State = StateNotStarted
		return loc
	}

	cumulative := 0
	for i, phase := range def.Phases {
		if phase.Duration <= 0 {
			continue
		}
		if dayNumber > cumulative && dayNumber <= cumulative+phase.Duration {
			loc.State = StateActive
			loc.PhaseIndex = i
			loc.DayOfPhase = dayNumber - cumulative
			return loc
		}
		cumulative += phase.Duration
	}

	loc.State = StateCompleted
	return loc
}

// Locate 是 ResolveDayNumber 与 LocatePhase 的组合。
func Locate(def Definition, startDate, referenceDate time.Time) Location {
	return LocatePhase(def, ResolveDayNumber(startDate, referenceDate))
}

// InjectionsOnDay 返回方案第 dayNumber 天的注射列表，按时间排序；没有则返回空切片。
func InjectionsOnDay(def Definition, startDate time.Time, dayNumber int) []Scheduled {
	loc := LocatePhase(def, dayNumber)
	if !loc.Found() {
		return []Scheduled{}
	}

	phase := def.Phases[loc.PhaseIndex]
	date := Date(startDate).AddDate(0, 0, dayNumber-1)

	result := []Scheduled{}
	for _, spec := range orderedSpecs(phase) {
		if spec.DayOfPhase != loc.DayOfPhase {
			continue
		}
		result = append(result, Scheduled{
			Date:       date,
			DayNumber:  dayNumber,
			PhaseIndex: loc.PhaseIndex,
			PhaseName:  phase.Name,
			DayOfPhase: loc.DayOfPhase,
			Spec:       spec,
		})
	}
	return result
}

// DueOn 返回 referenceDate 当天需要完成的注射。
func DueOn(def Definition, startDate, referenceDate time.Time) []Scheduled {
	return InjectionsOnDay(def, startDate, ResolveDayNumber(startDate, referenceDate))
}

// FullCalendar 展开整个方案的注射日历：阶段顺序、阶段内天数、时间升序，
// 完全相同时保持模板中的原始顺序。结果每次重新计算，不做持久化。
func FullCalendar(def Definition, startDate time.Time) []Scheduled {
	start := Date(startDate)
	result := []Scheduled{}

	cumulative := 0
	for i, phase := range def.Phases {
		if phase.Duration <= 0 {
			continue
		}
		for _, spec := range orderedSpecs(phase) {
			dayNumber := cumulative + spec.DayOfPhase
			result = append(result, Scheduled{
				Date:       start.AddDate(0, 0, dayNumber-1),
				DayNumber:  dayNumber,
				PhaseIndex: i,
				PhaseName:  phase.Name,
				DayOfPhase: spec.DayOfPhase,
				Spec:       spec,
			})
		}
		cumulative += phase.Duration
	}
	return result
}

// TotalInjections 等于 FullCalendar 的长度，但不分配日历。
func (d Definition) TotalInjections() int {
	total := 0
	for _, phase := range d.Phases {
		if phase.Duration <= 0 {
			continue
		}
		for _, spec := range phase.Injections {
			if reachable(phase, spec) {
				total++
			}
		}
	}
	return total
}

// orderedSpecs 过滤掉超出阶段范围的注射（数据不一致时视为不可达），
// 再按 (DayOfPhase, Time) 稳定排序。
func orderedSpecs(phase Phase) []InjectionSpec {
	specs := make([]InjectionSpec, 0, len(phase.Injections))
	for _, spec := range phase.Injections {
		if reachable(phase, spec) {
			specs = append(specs, spec)
		}
	}
	slices.SortStableFunc(specs, func(a, b InjectionSpec) int {
		if a.DayOfPhase != b.DayOfPhase {
			return a.DayOfPhase - b.DayOfPhase
		}
		return clockSortKey(a.Time) - clockSortKey(b.Time)
	})
	return specs
}

func reachable(phase Phase, spec InjectionSpec) bool {
	return spec.DayOfPhase >= 1 && spec.DayOfPhase <= phase.Duration
}
