package conversation

import (
	"errors"
	"testing"
	"time"
)

func pairLog() []Message {
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return []Message{
		{ID: "m1", From: RolePatient, To: RoleDoctor, Text: "my blood pressure is high", Timestamp: base},
		{ID: "m2", From: RoleDoctor, To: RolePatient, Text: "noted", Timestamp: base.Add(time.Second)},
		{ID: "m3", From: RoleLab, To: RoleDoctor, Text: "results attached", Timestamp: base.Add(2 * time.Second)},
		{ID: "m4", From: RoleDoctor, To: RoleLab, Text: "thanks", Timestamp: base.Add(3 * time.Second)},
	}
}

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestVisibleMessages_PairwiseFilter(t *testing.T) {
	log := pairLog()

	doctorPatient := VisibleMessages(log, RoleDoctor, RolePatient)
	if got := ids(doctorPatient); len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Errorf("doctor/patient tab: expected [m1 m2], got %v", got)
	}

	doctorLab := VisibleMessages(log, RoleDoctor, RoleLab)
	if got := ids(doctorLab); len(got) != 2 || got[0] != "m3" || got[1] != "m4" {
		t.Errorf("doctor/lab tab: expected [m3 m4], got %v", got)
	}

	patientView := VisibleMessages(log, RolePatient, RoleDoctor)
	if got := ids(patientView); len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Errorf("patient view: expected [m1 m2], got %v", got)
	}

	// A patient/doctor message never leaks into the lab's view.
	labView := VisibleMessages(log, RoleLab, RoleDoctor)
	for _, m := range labView {
		if m.ID == "m1" || m.ID == "m2" {
			t.Errorf("lab view must not contain patient/doctor message %s", m.ID)
		}
	}
}

func TestVisibleMessages_PreservesOrder(t *testing.T) {
	log := pairLog()
	visible := VisibleMessages(log, RoleDoctor, RolePatient)
	for i := 1; i < len(visible); i++ {
		if visible[i].Timestamp.Before(visible[i-1].Timestamp) {
			t.Fatal("visible messages must keep the snapshot's order")
		}
	}
}

func TestCounterpartFor(t *testing.T) {
	// Patient and lab always face the doctor, whatever they ask for.
	for _, viewer := range []Role{RolePatient, RoleLab} {
		got, err := CounterpartFor(viewer, RolePatient)
		if err != nil || got != RoleDoctor {
			t.Errorf("%s: expected doctor, got %v (%v)", viewer, got, err)
		}
	}

	// Doctor picks a tab.
	if got, err := CounterpartFor(RoleDoctor, RoleLab); err != nil || got != RoleLab {
		t.Errorf("doctor/lab: got %v (%v)", got, err)
	}
	if got, err := CounterpartFor(RoleDoctor, ""); err != nil || got != RolePatient {
		t.Errorf("doctor default tab: expected patient, got %v (%v)", got, err)
	}
	if _, err := CounterpartFor(RoleDoctor, RoleDoctor); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("doctor/doctor: expected ErrInvalidRole, got %v", err)
	}
	if _, err := CounterpartFor(Role("nurse"), RoleDoctor); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("unknown viewer: expected ErrInvalidRole, got %v", err)
	}
}
