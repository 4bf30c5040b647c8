package ident

import "testing"

func TestHashHex_Deterministic(t *testing.T) {
	a := HashHex([]byte("hello"))
	b := HashHex([]byte("hello"))
	if a != b {
		t.Error("hash must be deterministic")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestFingerprintKey_FieldBoundaries(t *testing.T) {
	// The separator keeps ("ab","c") and ("a","bc") distinct.
	k1 := FingerprintKey("ab", "c", nil)
	k2 := FingerprintKey("a", "bc", nil)
	if k1 == k2 {
		t.Error("field boundaries must affect the key")
	}

	if FingerprintKey("m.py", "h", []byte{1, 2}) != FingerprintKey("m.py", "h", []byte{1, 2}) {
		t.Error("identical triples must share a key")
	}
	if FingerprintKey("m.py", "h", []byte{1, 2}) == FingerprintKey("m.py", "h", []byte{1, 3}) {
		t.Error("different blobs must produce different keys")
	}
}

func TestEnvironmentKey(t *testing.T) {
	if EnvironmentKey("default", "", "3.12") == EnvironmentKey("default", "", "3.13") {
		t.Error("different versions must produce different keys")
	}
	if EnvironmentKey("default", "", "3.12") != EnvironmentKey("default", "", "3.12") {
		t.Error("identical triples must share a key")
	}
}
