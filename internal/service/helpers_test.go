package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aivf/internal/db"
	"github.com/aivf/internal/schedule"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var testDBCounter atomic.Int64

type fakeHTTPClient struct {
	handler func(*http.Request) (*http.Response, error)
}

func (f fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if f.handler == nil {
		return nil, errors.New("no handler configured")
	}
	return f.handler(req)
}

type fakeAnalyzer struct {
	calls []MoodInput
	fn    func(ctx context.Context, input MoodInput) (string, error)
}

func (f *fakeAnalyzer) AnalyzeMood(ctx context.Context, input MoodInput) (string, error) {
	f.calls = append(f.calls, input)
	if f.fn == nil {
		return "", errors.New("no analyzer configured")
	}
	return f.fn(ctx, input)
}

func setupServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:service-test-%d?mode=memory&cache=shared", testDBCounter.Add(1))
	gdb, err := db.Open(db.Options{Driver: "sqlite", Path: dsn, Silent: true})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	return gdb
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func completionBody(content string) string {
	var resp chatCompletionResponse
	resp.Choices = append(resp.Choices, struct {
		Message chatMessage `json:"message"`
	}{Message: chatMessage{Role: "assistant", Content: content}})
	resp.Usage.PromptTokens = 10
	resp.Usage.CompletionTokens = 5
	body, _ := json.Marshal(resp)
	return string(body)
}

func seedClinic(t *testing.T, gdb *gorm.DB, name string) db.Clinic {
	t.Helper()
	clinic := db.Clinic{Name: name}
	if err := gdb.Create(&clinic).Error; err != nil {
		t.Fatalf("failed to seed clinic: %v", err)
	}
	return clinic
}

func seedPatient(t *testing.T, gdb *gorm.DB, clinicID uint, email string) db.User {
	t.Helper()
	id := clinicID
	patient := db.User{Name: "Patient " + email, Email: email, Role: db.RolePatient, ClinicID: &id}
	if err := gdb.Create(&patient).Error; err != nil {
		t.Fatalf("failed to seed patient: %v", err)
	}
	return patient
}

func seedMedication(t *testing.T, gdb *gorm.DB, clinicID uint, name string) db.Medication {
	t.Helper()
	medication := db.Medication{ClinicID: clinicID, Name: name}
	if err := gdb.Create(&medication).Error; err != nil {
		t.Fatalf("failed to seed medication: %v", err)
	}
	return medication
}

func seedProtocol(t *testing.T, gdb *gorm.DB, clinicID uint, phases []schedule.Phase) db.Protocol {
	t.Helper()
	protocol := db.Protocol{ClinicID: clinicID, Name: "Stim protocol", Phases: datatypes.NewJSONType(phases)}
	if err := gdb.Create(&protocol).Error; err != nil {
		t.Fatalf("failed to seed protocol: %v", err)
	}
	return protocol
}

func seedAssignment(t *testing.T, gdb *gorm.DB, patientID, protocolID uint, start time.Time) db.ProtocolAssignment {
	t.Helper()
	assignment := db.ProtocolAssignment{PatientID: patientID, ProtocolID: protocolID, StartDate: schedule.Date(start)}
	if err := gdb.Omit("Patient", "Protocol").Create(&assignment).Error; err != nil {
		t.Fatalf("failed to seed assignment: %v", err)
	}
	return assignment
}

// stimPhases 对应单阶段三天、第 1 与第 3 天各一次注射的方案
func stimPhases(medicationID uint) []schedule.Phase {
	return []schedule.Phase{{
		Name:     "Stim",
		Duration: 3,
		Injections: []schedule.InjectionSpec{
			{DayOfPhase: 1, MedicationID: medicationID, Dosage: "150 IU", Time: "09:00"},
			{DayOfPhase: 3, MedicationID: medicationID, Dosage: "150 IU", Time: "09:00"},
		},
	}}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
