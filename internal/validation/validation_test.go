package validation

import (
	"strings"
	"testing"
)

func TestValidateName_Valid(t *testing.T) {
	tests := []string{"Post", "game_score", "_private", "a1", strings.Repeat("x", MaxNameLength)}
	for _, v := range tests {
		t.Run(v[:min(len(v), 12)], func(t *testing.T) {
			if err := ValidateName("field", v); err != nil {
				t.Errorf("ValidateName(%q) = %v, want nil", v, err)
			}
		})
	}
}

func TestValidateName_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"leading digit", "1abc"},
		{"dash", "game-score"},
		{"space", "game score"},
		{"unicode", "spiel_stand_ä"},
		{"null byte", "a\x00b"},
		{"too long", strings.Repeat("x", MaxNameLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName("field", tt.value)
			if err == nil {
				t.Fatalf("ValidateName(%q) = nil, want error", tt.value)
			}
			if err.Field != "field" {
				t.Errorf("error.Field = %q, want %q", err.Field, "field")
			}
		})
	}
}

func TestValidateAttribute(t *testing.T) {
	tests := []struct {
		value   string
		wantErr bool
	}{
		{"score", false},
		{"objectId", true},
		{"createdAt", true},
		{"updatedAt", true},
		{"__op", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			err := ValidateAttribute(tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAttribute(%q) = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if err != nil && !strings.HasPrefix(err.Field, "attributes.") {
				t.Errorf("error.Field = %q, want attributes. prefix", err.Field)
			}
		})
	}
}

func TestValidateObjectID(t *testing.T) {
	if err := ValidateObjectID("01ARZ3NDEKTSV4RRFFQ69G5FAV"); err != nil {
		t.Errorf("ValidateObjectID(valid) = %v, want nil", err)
	}
	if err := ValidateObjectID("01arz3ndektsv4rrffq69g5fav"); err != nil {
		t.Errorf("ValidateObjectID(lowercase) = %v, want nil", err)
	}
	if err := ValidateObjectID("short"); err == nil {
		t.Error("ValidateObjectID(short) = nil, want error")
	}
	if err := ValidateObjectID("01ARZ3NDEKTSV4RRFFQ69G5FAU"); err == nil {
		t.Error("ValidateObjectID(excluded letter U) = nil, want error")
	}
}

func TestCollector(t *testing.T) {
	var c Collector
	c.Add(nil)
	if c.HasErrors() {
		t.Fatal("HasErrors() = true after adding nil")
	}
	c.Add(ValidateClassName(""))
	c.Add(ValidateAttribute("objectId"))
	if got := len(c.Errors()); got != 2 {
		t.Errorf("len(Errors()) = %d, want 2", got)
	}
	if got := c.Errors()[0].Error(); got != "className: is required" {
		t.Errorf("Error() = %q", got)
	}
}
