package connection

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusActive, StatusError, true},
		{StatusError, StatusError, true},
		{StatusError, StatusActive, true},
		{StatusActive, StatusActive, false},
		{StatusActive, StatusRevoked, true},
		{StatusError, StatusRevoked, true},
		{StatusActive, StatusDeleted, true},
		{StatusError, StatusDeleted, true},
		{StatusRevoked, StatusError, false},
		{StatusRevoked, StatusActive, false},
		{StatusRevoked, StatusDeleted, false},
		{StatusDeleted, StatusError, false},
		{StatusDeleted, StatusActive, false},
		{StatusDeleted, StatusRevoked, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSourcesFor_ReturnsCopy(t *testing.T) {
	src := SourcesFor(StatusActive)
	src[0] = StatusDeleted

	if !CanTransition(StatusError, StatusActive) {
		t.Error("mutating SourcesFor result changed the transition table")
	}
}

func TestCreateParams_Validate(t *testing.T) {
	valid := CreateParams{ID: "c", ItemID: "i", UserID: 1, Credential: "x"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	for name, p := range map[string]CreateParams{
		"missing id":         {ItemID: "i", UserID: 1, Credential: "x"},
		"missing item":       {ID: "c", UserID: 1, Credential: "x"},
		"invalid user":       {ID: "c", ItemID: "i", Credential: "x"},
		"missing credential": {ID: "c", ItemID: "i", UserID: 1},
	} {
		if err := p.Validate(); err == nil {
			t.Errorf("%s: Validate() expected error", name)
		}
	}
}
