package schedule

import (
	"fmt"
	"strings"
	"time"
)

const clockLayout = "15:04"

// ParseClock 解析 "HH:MM" 格式的时间，返回当天的分钟数。
func ParseClock(value string) (int, error) {
	t, err := time.Parse(clockLayout, strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", value)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// NormalizeClock 把 "9:05" 之类的输入规范为 "09:05"。
func NormalizeClock(value string) (string, error) {
	minutes, err := ParseClock(value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60), nil
}

// 无法解析的时间排在当天最后。
func clockSortKey(value string) int {
	minutes, err := ParseClock(value)
	if err != nil {
		return 24 * 60
	}
	return minutes
}
