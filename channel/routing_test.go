package channel

import (
	"errors"
	"strings"
	"testing"
)

func TestRoutingMapBindAndLookup(t *testing.T) {
	t.Parallel()
	m := NewRoutingMap()

	mustBind := func(name string, dir Direction, id uint16) {
		t.Helper()
		if err := m.Bind(name, dir, id); err != nil {
			t.Fatalf("bind %s/%d: %v", name, id, err)
		}
	}

	mustBind("inA", In, 100)
	mustBind("outA", Out, 100)
	mustBind("outB", Out, 100)
	mustBind("inB", In, 200)
	mustBind("outA", Out, 200)

	if got := m.ConnectionsOf(100, Out); len(got) != 2 || got[0] != "outA" || got[1] != "outB" {
		t.Errorf("outputs of 100: got %v, want [outA outB]", got)
	}
	if got := m.ConnectionsOf(100, In); len(got) != 1 || got[0] != "inA" {
		t.Errorf("inputs of 100: got %v, want [inA]", got)
	}
	if got := m.ConnectionsOf(100, Both); len(got) != 3 {
		t.Errorf("all connections of 100: got %v, want 3 entries", got)
	}
	if got := m.StreamsOf("outA"); len(got) != 2 || got[0] != 100 || got[1] != 200 {
		t.Errorf("streams of outA: got %v, want [100 200]", got)
	}
	if got := m.ConnectionsOf(999, Both); len(got) != 0 {
		t.Errorf("unknown stream lookup: got %v, want empty", got)
	}
}

func TestRoutingMapRejectsSecondInput(t *testing.T) {
	t.Parallel()
	m := NewRoutingMap()

	if err := m.Bind("inA", In, 100); err != nil {
		t.Fatalf("first input bind: %v", err)
	}
	err := m.Bind("inB", In, 100)
	if err == nil {
		t.Fatal("second input bind accepted")
	}
	var cfgErr *InvalidConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error type: got %T, want *InvalidConfigurationError", err)
	}
	for _, name := range []string{"inA", "inB"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name connection %q", err, name)
		}
	}

	// The rejected binding must not appear in either index.
	if got := m.ConnectionsOf(100, In); len(got) != 1 || got[0] != "inA" {
		t.Errorf("inputs of 100 after rejection: got %v, want [inA]", got)
	}
	if got := m.StreamsOf("inB"); len(got) != 0 {
		t.Errorf("streams of inB after rejection: got %v, want empty", got)
	}
}

func TestRoutingMapAllowsSecondOutput(t *testing.T) {
	t.Parallel()
	m := NewRoutingMap()

	if err := m.Bind("inA", In, 100); err != nil {
		t.Fatalf("input bind: %v", err)
	}
	if err := m.Bind("outA", Out, 100); err != nil {
		t.Fatalf("first output bind: %v", err)
	}
	if err := m.Bind("outB", Out, 100); err != nil {
		t.Fatalf("second output bind: %v", err)
	}
}
