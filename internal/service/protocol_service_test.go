package service

import (
	"errors"
	"testing"

	"github.com/aivf/internal/schedule"
)

func TestProtocolServiceCreateNormalizesAndPersists(t *testing.T) {
	gdb := setupServiceTestDB(t)
	clinic := seedClinic(t, gdb, "Sunrise")
	med := seedMedication(t, gdb, clinic.ID, "Gonal-F")
	svc := NewProtocolService(gdb)

	protocol, err := svc.Create(clinic.ID, ProtocolInput{
		Name: "  Long agonist ",
		Phases: []schedule.Phase{{
			Name:     " Stim ",
			Duration: 2,
			Injections: []schedule.InjectionSpec{
				{DayOfPhase: 1, MedicationID: med.ID, Dosage: " 150 IU ", Time: "9:00"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if protocol.Name != "Long agonist" {
		t.Fatalf("unexpected name %q", protocol.Name)
	}

	loaded, err := svc.Get(clinic.ID, protocol.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	phases := loaded.Definition().Phases
	if len(phases) != 1 || phases[0].Name != "Stim" {
		t.Fatalf("unexpected phases: %+v", phases)
	}
	spec := phases[0].Injections[0]
	if spec.Time != "09:00" || spec.Dosage != "150 IU" || spec.MedicationID != med.ID {
		t.Fatalf("spec was not normalized: %+v", spec)
	}

	list, err := svc.List(clinic.ID)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 protocol, got %d", len(list))
	}
}

func TestProtocolServiceCreateRejectsInvalidTemplates(t *testing.T) {
	gdb := setupServiceTestDB(t)
	clinic := seedClinic(t, gdb, "Sunrise")
	other := seedClinic(t, gdb, "Other")
	foreignMed := seedMedication(t, gdb, other.ID, "Menopur")
	svc := NewProtocolService(gdb)

	cases := map[string]ProtocolInput{
		"missing name": {Phases: stimPhases(0)},
		"no phases":    {Name: "Empty"},
		"zero duration": {Name: "Zero", Phases: []schedule.Phase{{Name: "Stim", Duration: 0}}},
		"day out of range": {Name: "Range", Phases: []schedule.Phase{{
			Name: "Stim", Duration: 2,
			Injections: []schedule.InjectionSpec{{DayOfPhase: 3, Time: "09:00"}},
		}}},
		"bad time": {Name: "Clock", Phases: []schedule.Phase{{
			Name: "Stim", Duration: 2,
			Injections: []schedule.InjectionSpec{{DayOfPhase: 1, Time: "25:99"}},
		}}},
		"foreign medication": {Name: "Foreign", Phases: stimPhases(foreignMed.ID)},
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Create(clinic.ID, input); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestProtocolServiceGetIsClinicScoped(t *testing.T) {
	gdb := setupServiceTestDB(t)
	clinic := seedClinic(t, gdb, "Sunrise")
	other := seedClinic(t, gdb, "Other")
	protocol := seedProtocol(t, gdb, clinic.ID, stimPhases(0))
	svc := NewProtocolService(gdb)

	if _, err := svc.Get(other.ID, protocol.ID); !errors.Is(err, ErrProtocolNotFound) {
		t.Fatalf("expected ErrProtocolNotFound, got %v", err)
	}
	if !errors.Is(ErrProtocolNotFound, ErrNotFound) {
		t.Fatal("ErrProtocolNotFound should be a not-found error")
	}
}

func TestMedicationServiceNameIsUniquePerClinic(t *testing.T) {
	gdb := setupServiceTestDB(t)
	clinic := seedClinic(t, gdb, "Sunrise")
	other := seedClinic(t, gdb, "Other")
	svc := NewMedicationService(gdb)

	med, err := svc.Create(clinic.ID, MedicationInput{Name: "Cetrotide"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := svc.Create(clinic.ID, MedicationInput{Name: "Cetrotide"}); !errors.Is(err, ErrMedicationExists) {
		t.Fatalf("expected ErrMedicationExists, got %v", err)
	}
	if !errors.Is(ErrMedicationExists, ErrConflict) {
		t.Fatal("ErrMedicationExists should be a conflict")
	}
	if _, err := svc.Create(other.ID, MedicationInput{Name: "Cetrotide"}); err != nil {
		t.Fatalf("other clinic may reuse the name, got %v", err)
	}
	if _, err := svc.Create(clinic.ID, MedicationInput{Name: "  "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if _, err := svc.Get(other.ID, med.ID); !errors.Is(err, ErrMedicationNotFound) {
		t.Fatalf("expected ErrMedicationNotFound across clinics, got %v", err)
	}
	if got, err := svc.Get(clinic.ID, med.ID); err != nil || got.Name != "Cetrotide" {
		t.Fatalf("expected own medication, got %v %v", got, err)
	}

	names, err := medicationNames(svc.db, []uint{med.ID, 12345})
	if err != nil {
		t.Fatalf("medicationNames returned error: %v", err)
	}
	if names[med.ID] != "Cetrotide" || len(names) != 1 {
		t.Fatalf("unexpected names: %v", names)
	}
}
