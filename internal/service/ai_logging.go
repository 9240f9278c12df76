package service

import (
	"strings"
	"unicode/utf8"

	"github.com/aivf/internal/logger"
)

const maxAILogSnippetRunes = 1024

// logAIExchange 用于输出 AI 请求与响应的关键信息，方便排查模型行为。
func logAIExchange(log *logger.Logger, kind, phase, content string) {
	if log == nil {
		return
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		log.Debug("ai exchange", "kind", kind, "phase", phase, "content", "<empty>")
		return
	}

	runeCount := utf8.RuneCountInString(trimmed)
	log.Debug("ai exchange", "kind", kind, "phase", phase, "runes", runeCount, "content", truncateRunes(trimmed, maxAILogSnippetRunes))
}

func truncateRunes(input string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(input)
	if len(runes) <= limit {
		return input
	}
	return string(runes[:limit]) + "…(truncated)"
}
