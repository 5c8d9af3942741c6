package catalog

import "testing"

func TestHashKey_Deterministic(t *testing.T) {
	a := HashKey("mg/dL")
	b := HashKey("mg/dL")
	if a != b {
		t.Fatalf("expected stable hash, got %d != %d", a, b)
	}
}

func TestHashKey_Distinguishes(t *testing.T) {
	if HashKey("mg/dL") == HashKey("mmol/L") {
		t.Fatalf("expected distinct hashes for distinct inputs")
	}
}
