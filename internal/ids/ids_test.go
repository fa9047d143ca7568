package ids

import "testing"

func TestDeterministicIsStable(t *testing.T) {
	a := Deterministic("schemas", "memory_card")
	b := Deterministic("schemas", "memory_card")
	if a != b {
		t.Errorf("Deterministic not stable: %q != %q", a, b)
	}
}

func TestDeterministicVariesByTable(t *testing.T) {
	a := Deterministic("schemas", "widget")
	b := Deterministic("tools", "widget")
	if a == b {
		t.Errorf("Deterministic collided across tables for same natural name: %q", a)
	}
}

func TestDeterministicVariesByName(t *testing.T) {
	a := Deterministic("schemas", "widget")
	b := Deterministic("schemas", "gadget")
	if a == b {
		t.Errorf("Deterministic collided across names: %q", a)
	}
}

func TestRandomIsNotStable(t *testing.T) {
	if Random() == Random() {
		t.Errorf("Random produced the same id twice")
	}
}
