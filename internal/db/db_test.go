package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/aivf/internal/schedule"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:db-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	gdb, err := Open(Options{Driver: "sqlite", Path: dsn, Silent: true})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { Close(gdb) })
	return gdb
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "aivf.db")
	gdb, err := Open(Options{Path: path, Silent: true})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer Close(gdb)

	if err := Ping(context.Background(), gdb); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Options{Driver: "oracle"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := Open(Options{Driver: "postgres"}); err == nil {
		t.Fatal("expected error for missing postgres dsn")
	}
}

func TestProtocolPhasesRoundTrip(t *testing.T) {
	gdb := openTestDB(t)

	phases := []schedule.Phase{{
		Name:       "Stim",
		Duration:   3,
		Injections: []schedule.InjectionSpec{{DayOfPhase: 1, MedicationID: 2, Dosage: "150 IU", Time: "09:00"}},
	}}
	protocol := Protocol{ClinicID: 1, Name: "Antagonist", Phases: datatypes.NewJSONType(phases)}
	if err := gdb.Create(&protocol).Error; err != nil {
		t.Fatalf("failed to create protocol: %v", err)
	}

	var loaded Protocol
	if err := gdb.First(&loaded, protocol.ID).Error; err != nil {
		t.Fatalf("failed to load protocol: %v", err)
	}

	def := loaded.Definition()
	if len(def.Phases) != 1 || def.Phases[0].Injections[0].Dosage != "150 IU" {
		t.Fatalf("unexpected definition %+v", def)
	}
	if def.TotalInjections() != 1 {
		t.Fatalf("expected 1 injection, got %d", def.TotalInjections())
	}
}

func TestInjectionCompletionUniqueKey(t *testing.T) {
	gdb := openTestDB(t)

	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := InjectionCompletion{PatientID: 1, ProtocolID: 2, InjectionDate: date, InjectionTime: "09:00"}
	if err := gdb.Create(&first).Error; err != nil {
		t.Fatalf("failed to create completion: %v", err)
	}

	dup := InjectionCompletion{PatientID: 1, ProtocolID: 2, InjectionDate: date, InjectionTime: "09:00"}
	err := gdb.Create(&dup).Error
	if !IsDuplicate(err) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}

	other := InjectionCompletion{PatientID: 1, ProtocolID: 2, InjectionDate: date, InjectionTime: "21:00"}
	if err := gdb.Create(&other).Error; err != nil {
		t.Fatalf("different time should be allowed: %v", err)
	}

	var count int64
	gdb.Model(&InjectionCompletion{}).Where("patient_id = ? AND protocol_id = ?", 1, 2).Count(&count)
	if count != 2 {
		t.Fatalf("expected 2 completions, got %d", count)
	}
}

func TestAfterFindRestoresStoredDates(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	stored := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// timestamptz 按会话时区解码后的样子
	assignment := ProtocolAssignment{StartDate: stored.In(loc)}
	if err := assignment.AfterFind(nil); err != nil {
		t.Fatalf("AfterFind returned error: %v", err)
	}
	if !assignment.StartDate.Equal(stored) || assignment.StartDate.Location() != time.UTC {
		t.Fatalf("start date not restored: %s", assignment.StartDate)
	}
	if got := assignment.StartDate.Format("2006-01-02"); got != "2024-01-01" {
		t.Fatalf("expected 2024-01-01, got %s", got)
	}

	completion := InjectionCompletion{InjectionDate: stored.In(loc)}
	if err := completion.AfterFind(nil); err != nil {
		t.Fatalf("AfterFind returned error: %v", err)
	}
	if got := completion.InjectionDate.Format("2006-01-02"); got != "2024-01-01" {
		t.Fatalf("expected 2024-01-01, got %s", got)
	}
}

func TestStoredDatesLoadAsUTCMidnight(t *testing.T) {
	gdb := openTestDB(t)

	stored := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	assignment := ProtocolAssignment{PatientID: 1, ProtocolID: 2, StartDate: stored}
	if err := gdb.Create(&assignment).Error; err != nil {
		t.Fatalf("failed to create assignment: %v", err)
	}

	var loaded ProtocolAssignment
	if err := gdb.First(&loaded, assignment.ID).Error; err != nil {
		t.Fatalf("failed to load assignment: %v", err)
	}
	if !loaded.StartDate.Equal(stored) || loaded.StartDate.Location() != time.UTC {
		t.Fatalf("unexpected start date %s", loaded.StartDate)
	}
}

func TestIsDuplicate(t *testing.T) {
	if IsDuplicate(nil) || IsDuplicate(errors.New("boom")) {
		t.Fatal("unexpected duplicate match")
	}
	if !IsDuplicate(gorm.ErrDuplicatedKey) {
		t.Fatal("expected gorm.ErrDuplicatedKey to match")
	}
	if !IsDuplicate(errors.New("UNIQUE constraint failed: injection_completions.patient_id")) {
		t.Fatal("expected sqlite message to match")
	}
}

func TestUserHelpers(t *testing.T) {
	clinicID := uint(4)
	u := User{ClinicID: &clinicID}
	if u.HasPassword() {
		t.Fatal("expected no password")
	}
	if !u.InClinic(4) || u.InClinic(5) {
		t.Fatal("unexpected clinic membership")
	}
	if (User{}).InClinic(4) {
		t.Fatal("user without clinic must not match")
	}
}
