package service

import (
	"errors"
	"fmt"
)

// 错误类别，handler 依据类别映射 HTTP 状态码。
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUpstream     = errors.New("upstream failure")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

func newKindError(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

var (
	ErrClinicNotFound      = newKindError(ErrNotFound, "clinic not found")
	ErrPatientNotFound     = newKindError(ErrNotFound, "patient not found")
	ErrProtocolNotFound    = newKindError(ErrNotFound, "protocol not found")
	ErrAssignmentNotFound  = newKindError(ErrNotFound, "protocol assignment not found")
	ErrCompletionNotFound  = newKindError(ErrNotFound, "injection completion not found")
	ErrMedicationNotFound  = newKindError(ErrNotFound, "medication not found")
	ErrDuplicateCompletion = newKindError(ErrConflict, "this injection has already been marked as complete")
	ErrMedicationExists    = newKindError(ErrConflict, "a medication with this name already exists")
	ErrEmailTaken          = newKindError(ErrConflict, "user with this email already exists")
	ErrNotOwner            = newKindError(ErrForbidden, "record belongs to another patient")
	ErrInvalidCredentials  = newKindError(ErrUnauthorized, "invalid email or password")
	ErrTokenInvalid        = newKindError(ErrValidation, "setup link is invalid or expired")
	ErrNothingToAnalyze    = newKindError(ErrValidation, "no symptom text recorded for this injection")
)

// ErrAIAPIKeyMissing 表示未提供必需的 AI 平台 API Key。
var ErrAIAPIKeyMissing = newKindError(ErrUpstream, "api key is required")

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func upstreamErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUpstream, fmt.Sprintf(format, args...))
}
