package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aivf/internal/service"
	"github.com/gin-gonic/gin"
)

const dateFormat = "2006-01-02"

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func bindJSON(c *gin.Context, dst interface{}, message string) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, http.StatusBadRequest, message)
		return false
	}
	return true
}

func parseUintParam(c *gin.Context, key string) (uint, error) {
	id, err := parseUintQuery(c.Param(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return id, nil
}

func parseUintQuery(raw string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

// paramID 解析路径参数，失败时直接写出 400。
func paramID(c *gin.Context, key string) (uint, bool) {
	id, err := parseUintParam(c, key)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}

// parseDate 解析 YYYY-MM-DD，空字符串返回 nil。
func parseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if len(raw) > len(dateFormat) {
		// 兼容前端直接提交 ISO 时间戳
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return &parsed, nil
		}
	}
	parsed, err := time.Parse(dateFormat, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", raw)
	}
	return &parsed, nil
}

// respondServiceError 按错误类别映射 HTTP 状态码，未分类的错误只返回通用信息。
func respondServiceError(c *gin.Context, err error, fallback string) {
	status := http.StatusInternalServerError
	message := fallback
	switch {
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrUpstream):
		status = http.StatusBadGateway
	}
	if status != http.StatusInternalServerError {
		message = err.Error()
	} else {
		c.Error(err)
	}
	respondError(c, status, message)
}
