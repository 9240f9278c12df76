package schedule

import (
	"reflect"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{name: "valid", def: stimProtocol()},
		{name: "no phases", def: Definition{}, wantErr: "at least one phase"},
		{name: "zero duration", def: Definition{Phases: []Phase{{Name: "Stim", Duration: 0}}}, wantErr: "duration must be at least 1"},
		{
			name:    "day outside phase",
			def:     Definition{Phases: []Phase{{Name: "Stim", Duration: 2, Injections: []InjectionSpec{{DayOfPhase: 3, Time: "09:00"}}}}},
			wantErr: "dayOfPhase 3 outside 1..2",
		},
		{
			name:    "bad time",
			def:     Definition{Phases: []Phase{{Name: "Stim", Duration: 2, Injections: []InjectionSpec{{DayOfPhase: 1, Time: "25:00"}}}}},
			wantErr: "invalid time of day",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNormalizedAndMedicationIDs(t *testing.T) {
	def := Definition{Phases: []Phase{
		{Name: " Stim ", Duration: 2, Injections: []InjectionSpec{
			{DayOfPhase: 1, MedicationID: 3, Dosage: " 150 IU ", Time: "9:00"},
			{DayOfPhase: 2, MedicationID: 0, Time: "21:15"},
		}},
		{Name: "Trigger", Duration: 1, Injections: []InjectionSpec{
			{DayOfPhase: 1, MedicationID: 5, Time: "22:00"},
			{DayOfPhase: 1, MedicationID: 3, Time: "23:00"},
		}},
	}}

	normalized := def.Normalized()
	first := normalized.Phases[0]
	if first.Name != "Stim" || first.Injections[0].Time != "09:00" || first.Injections[0].Dosage != "150 IU" {
		t.Fatalf("unexpected normalized phase %+v", first)
	}
	if def.Phases[0].Injections[0].Time != "9:00" {
		t.Fatal("Normalized must not mutate the receiver")
	}

	if got := def.MedicationIDs(); !reflect.DeepEqual(got, []uint{3, 5}) {
		t.Fatalf("unexpected medication ids %v", got)
	}
}

func TestParseClock(t *testing.T) {
	if m, err := ParseClock("08:30"); err != nil || m != 510 {
		t.Fatalf("unexpected result %d %v", m, err)
	}
	if _, err := ParseClock("8.30"); err == nil {
		t.Fatal("expected error for malformed time")
	}
	if got, err := NormalizeClock(" 7:05 "); err != nil || got != "07:05" {
		t.Fatalf("unexpected normalized clock %q %v", got, err)
	}
}
