package problems

import "testing"

func TestAddIsIdempotentUpsert(t *testing.T) {
	m := NewManager()
	m.Add("conn-1", Problem{Severity: SeverityWarn, Message: "first"})
	m.Add("conn-1", Problem{Severity: SeverityError, Message: "second"})
	if m.Len() != 1 {
		t.Fatalf("expected single entry, got %d", m.Len())
	}
	got := m.List()
	if got[0].Message != "second" || got[0].Severity != SeverityError {
		t.Fatalf("upsert did not replace: %+v", got[0])
	}
}

func TestRemoveUnknownKeyIsNoop(t *testing.T) {
	m := NewManager()
	m.Add("a", Problem{Severity: SeverityWarn, Message: "a"})
	m.Remove("missing")
	if m.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", m.Len())
	}
}

func TestListKeepsInsertionOrderAcrossRemoves(t *testing.T) {
	m := NewManager()
	m.Add("a", Problem{Message: "a"})
	m.Add("b", Problem{Message: "b"})
	m.Add("c", Problem{Message: "c"})
	m.Remove("b")
	got := m.List()
	if len(got) != 2 || got[0].Message != "a" || got[1].Message != "c" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestClear(t *testing.T) {
	m := NewManager()
	m.Add("a", Problem{Message: "a"})
	m.Clear()
	if m.Len() != 0 || len(m.List()) != 0 {
		t.Fatal("expected empty manager after clear")
	}
}
