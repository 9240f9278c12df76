package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aivf/internal/db"
	"github.com/aivf/internal/logger"
)

func setupLedger(t *testing.T, analyzer MoodAnalyzer) (*CompletionService, db.User, db.Protocol, db.Medication) {
	t.Helper()
	gdb := setupServiceTestDB(t)
	clinic := seedClinic(t, gdb, "Sunrise")
	patient := seedPatient(t, gdb, clinic.ID, "p@a.test")
	med := seedMedication(t, gdb, clinic.ID, "Gonal-F")
	protocol := seedProtocol(t, gdb, clinic.ID, stimPhases(med.ID))
	seedAssignment(t, gdb, patient.ID, protocol.ID, date(2024, 1, 1))
	return NewCompletionService(gdb, analyzer, logger.Nop()), patient, protocol, med
}

func TestCompletionServiceRecordRejectsDuplicates(t *testing.T) {
	svc, patient, protocol, _ := setupLedger(t, nil)

	input := RecordInput{PatientID: patient.ID, ProtocolID: protocol.ID, InjectionDate: date(2024, 1, 1), InjectionTime: "9:00"}
	completion, err := svc.Record(input)
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if completion.InjectionTime != "09:00" {
		t.Fatalf("time should be normalized, got %q", completion.InjectionTime)
	}

	// 同一自然日的其他时刻仍视为同一次注射
	input.InjectionDate = time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC)
	input.InjectionTime = "09:00"
	if _, err := svc.Record(input); !errors.Is(err, ErrDuplicateCompletion) {
		t.Fatalf("expected ErrDuplicateCompletion, got %v", err)
	}
	if !errors.Is(ErrDuplicateCompletion, ErrConflict) {
		t.Fatal("duplicate completion should be a conflict")
	}

	list, err := svc.List(patient.ID, CompletionFilter{ProtocolID: protocol.ID})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ledger should contain exactly one record, got %d", len(list))
	}
}

func TestCompletionServiceRecordRequiresAssignment(t *testing.T) {
	svc, patient, _, _ := setupLedger(t, nil)

	_, err := svc.Record(RecordInput{PatientID: patient.ID, ProtocolID: 9999, InjectionDate: date(2024, 1, 1), InjectionTime: "09:00"})
	if !errors.Is(err, ErrAssignmentNotFound) {
		t.Fatalf("expected ErrAssignmentNotFound, got %v", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("missing assignment should be a not-found error")
	}

	if _, err := svc.Record(RecordInput{PatientID: patient.ID, ProtocolID: 1, InjectionTime: "09:00"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without date, got %v", err)
	}
	if _, err := svc.Record(RecordInput{PatientID: patient.ID, ProtocolID: 1, InjectionDate: date(2024, 1, 1), InjectionTime: "nine"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for bad time, got %v", err)
	}
}

func TestCompletionServiceLogSymptomChecksOwnership(t *testing.T) {
	svc, patient, protocol, _ := setupLedger(t, nil)
	completion, err := svc.Record(RecordInput{PatientID: patient.ID, ProtocolID: protocol.ID, InjectionDate: date(2024, 1, 1), InjectionTime: "09:00"})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	if _, err := svc.LogSymptom(context.Background(), completion.ID, patient.ID+100, "tired"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if !errors.Is(ErrNotOwner, ErrForbidden) {
		t.Fatal("ErrNotOwner should be forbidden")
	}
	if _, err := svc.LogSymptom(context.Background(), 9999, patient.ID, "tired"); !errors.Is(err, ErrCompletionNotFound) {
		t.Fatalf("expected ErrCompletionNotFound, got %v", err)
	}

	stored, err := svc.Get(completion.ID, patient.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.Mood != "" {
		t.Fatalf("foreign write must not change the record, got mood %q", stored.Mood)
	}
}

func TestCompletionServiceLogSymptomStoresAnalysis(t *testing.T) {
	analyzer := &fakeAnalyzer{fn: func(ctx context.Context, input MoodInput) (string, error) {
		return "Mild bloating is common with " + input.MedicationName + ".", nil
	}}
	svc, patient, protocol, _ := setupLedger(t, analyzer)
	analyzedAt := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return analyzedAt })

	completion, err := svc.Record(RecordInput{PatientID: patient.ID, ProtocolID: protocol.ID, InjectionDate: date(2024, 1, 3), InjectionTime: "09:00"})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	updated, err := svc.LogSymptom(context.Background(), completion.ID, patient.ID, "  bloated  ")
	if err != nil {
		t.Fatalf("LogSymptom returned error: %v", err)
	}
	if updated.Mood != "bloated" {
		t.Fatalf("unexpected mood %q", updated.Mood)
	}
	if updated.AnalysisStatus != db.AnalysisStatusDone {
		t.Fatalf("expected done status, got %q", updated.AnalysisStatus)
	}
	if updated.MoodAnalysis != "Mild bloating is common with Gonal-F." {
		t.Fatalf("unexpected analysis %q", updated.MoodAnalysis)
	}
	if len(analyzer.calls) != 1 || analyzer.calls[0].MedicationName != "Gonal-F" {
		t.Fatalf("analyzer should receive the scheduled medication, got %+v", analyzer.calls)
	}

	stored, err := svc.Get(completion.ID, patient.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.MoodAnalysis != updated.MoodAnalysis || stored.AnalyzedAt == nil || !stored.AnalyzedAt.Equal(analyzedAt) {
		t.Fatalf("analysis not persisted: %+v", stored)
	}
}

func TestCompletionServiceKeepsMoodWhenAnalysisFails(t *testing.T) {
	analyzer := &fakeAnalyzer{fn: func(ctx context.Context, input MoodInput) (string, error) {
		return "", upstreamErrorf("service unavailable")
	}}
	svc, patient, protocol, _ := setupLedger(t, analyzer)

	completion, err := svc.Record(RecordInput{PatientID: patient.ID, ProtocolID: protocol.ID, InjectionDate: date(2024, 1, 1), InjectionTime: "09:00"})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	updated, err := svc.LogSymptom(context.Background(), completion.ID, patient.ID, "headache")
	if err != nil {
		t.Fatalf("LogSymptom must not fail when analysis fails, got %v", err)
	}
	if updated.AnalysisStatus != db.AnalysisStatusFailed || updated.AnalysisError == "" {
		t.Fatalf("expected failed analysis to be recorded, got %+v", updated)
	}

	stored, err := svc.Get(completion.ID, patient.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.Mood != "headache" || stored.MoodAnalysis != "" || stored.AnalysisStatus != db.AnalysisStatusFailed {
		t.Fatalf("mood must be kept after failed analysis: %+v", stored)
	}

	// 服务恢复后重试
	analyzer.fn = func(ctx context.Context, input MoodInput) (string, error) {
		return "Headaches can happen, drink water and rest.", nil
	}
	retried, err := svc.RetryAnalysis(context.Background(), completion.ID, patient.ID)
	if err != nil {
		t.Fatalf("RetryAnalysis returned error: %v", err)
	}
	if retried.AnalysisStatus != db.AnalysisStatusDone || retried.AnalysisError != "" {
		t.Fatalf("retry should succeed: %+v", retried)
	}

	calls := len(analyzer.calls)
	if _, err := svc.RetryAnalysis(context.Background(), completion.ID, patient.ID); err != nil {
		t.Fatalf("RetryAnalysis on done record returned error: %v", err)
	}
	if len(analyzer.calls) != calls {
		t.Fatal("done analysis should not be requested again")
	}
}

func TestCompletionServiceAnalysisTimeoutKeepsMood(t *testing.T) {
	analyzer := &fakeAnalyzer{fn: func(ctx context.Context, input MoodInput) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	svc, patient, protocol, _ := setupLedger(t, analyzer)
	svc.SetAnalysisTimeout(20 * time.Millisecond)

	completion, err := svc.Record(RecordInput{PatientID: patient.ID, ProtocolID: protocol.ID, InjectionDate: date(2024, 1, 1), InjectionTime: "09:00"})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	updated, err := svc.LogSymptom(context.Background(), completion.ID, patient.ID, "dizzy")
	if err != nil {
		t.Fatalf("LogSymptom returned error: %v", err)
	}
	if updated.Mood != "dizzy" || updated.AnalysisStatus != db.AnalysisStatusFailed {
		t.Fatalf("timeout should leave mood stored and analysis failed: %+v", updated)
	}

	_, err = svc.RetryAnalysis(context.Background(), completion.ID, patient.ID)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("retry timeout should surface as upstream failure, got %v", err)
	}
}

func TestCompletionServiceRetryWithoutMood(t *testing.T) {
	svc, patient, protocol, _ := setupLedger(t, &fakeAnalyzer{})
	completion, err := svc.Record(RecordInput{PatientID: patient.ID, ProtocolID: protocol.ID, InjectionDate: date(2024, 1, 1), InjectionTime: "09:00"})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if _, err := svc.RetryAnalysis(context.Background(), completion.ID, patient.ID); !errors.Is(err, ErrNothingToAnalyze) {
		t.Fatalf("expected ErrNothingToAnalyze, got %v", err)
	}
}
