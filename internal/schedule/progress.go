package schedule

// Progress 汇总一次方案分配的完成情况。
type Progress struct {
	TotalInjections     int     `json:"totalInjections"`
	CompletedInjections int     `json:"completedInjections"`
	Percent             float64 `json:"progress"`
}

// ComputeProgress 计算完成百分比，结果截断在 [0, 100]，总数为 0 时返回 0。
// completed 只是简单计数，不与具体日历槽位做对账。
func ComputeProgress(total, completed int) Progress {
	if completed < 0 {
		completed = 0
	}
	p := Progress{TotalInjections: total, CompletedInjections: completed}
	if total <= 0 {
		return p
	}
	p.Percent = float64(completed) / float64(total) * 100
	if p.Percent > 100 {
		p.Percent = 100
	}
	return p
}
