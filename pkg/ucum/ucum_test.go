package ucum

import "testing"

func TestValidate_KnownUnit(t *testing.T) {
	o := Validate("mg/dL")
	if o.Status != Valid {
		t.Fatalf("expected Valid, got %v", o.Status)
	}
}

func TestValidate_CaseCorrection(t *testing.T) {
	o := Validate("mg/dl")
	if o.Status != ValidWithCorrection || o.Corrected != "mg/dL" {
		t.Fatalf("expected correction to mg/dL, got %+v", o)
	}
}

func TestValidate_ExponentNotationCorrection(t *testing.T) {
	o := Validate("10^9/L")
	if o.Status != ValidWithCorrection || o.Corrected != "10*9/L" {
		t.Fatalf("expected correction to 10*9/L, got %+v", o)
	}
}

func TestValidate_UnknownWithSuggestions(t *testing.T) {
	o := Validate("10^15/L")
	if o.Status != InvalidWithSuggestions || len(o.Suggestions) == 0 {
		t.Fatalf("expected suggestions, got %+v", o)
	}
}

func TestValidate_EmptyInput(t *testing.T) {
	o := Validate("   ")
	if o.Status != InvalidNoSuggestions {
		t.Fatalf("expected InvalidNoSuggestions, got %v", o.Status)
	}
}
