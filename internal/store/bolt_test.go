package store

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStateSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	bags := map[string]map[string]any{
		"0x01": {"state": "ON", "brightness": float64(100)},
		"0x02": {"temperature": 21.5},
	}

	if err := s.SaveState(bags); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	got, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !reflect.DeepEqual(got, bags) {
		t.Fatalf("LoadState = %v, want %v", got, bags)
	}
}

func TestSaveStateReplacesSnapshot(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveState(map[string]map[string]any{"0x01": {"state": "ON"}}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := s.SaveState(map[string]map[string]any{"0x02": {"state": "OFF"}}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	got, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if _, ok := got["0x01"]; ok {
		t.Fatal("stale entry survived the snapshot replace")
	}
	if _, ok := got["0x02"]; !ok {
		t.Fatal("new entry missing after snapshot replace")
	}
}

func TestDeleteState(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveState(map[string]map[string]any{"0x01": {"state": "ON"}}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := s.DeleteState("0x01"); err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	if err := s.DeleteState("0x01"); err != nil {
		t.Fatalf("second DeleteState: %v", err)
	}
	got, _ := s.LoadState()
	if len(got) != 0 {
		t.Fatalf("LoadState = %v, want empty", got)
	}
}

func TestAliases(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Alias("0x01"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing alias err = %v, want ErrNotFound", err)
	}

	if err := s.SetAlias("0x01", "kitchen_light"); err != nil {
		t.Fatalf("SetAlias: %v", err)
	}
	alias, err := s.Alias("0x01")
	if err != nil {
		t.Fatalf("Alias: %v", err)
	}
	if alias != "kitchen_light" {
		t.Fatalf("alias = %q, want kitchen_light", alias)
	}

	all, err := s.Aliases()
	if err != nil {
		t.Fatalf("Aliases: %v", err)
	}
	if all["0x01"] != "kitchen_light" {
		t.Fatalf("Aliases = %v", all)
	}

	if err := s.DeleteAlias("0x01"); err != nil {
		t.Fatalf("DeleteAlias: %v", err)
	}
	if _, err := s.Alias("0x01"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted alias err = %v, want ErrNotFound", err)
	}
}

func TestBlocklist(t *testing.T) {
	s := newTestStore(t)

	blocked, err := s.IsBlocked("0x01")
	if err != nil || blocked {
		t.Fatalf("IsBlocked = %v, %v; want false, nil", blocked, err)
	}

	if err := s.AddBlock("0x01"); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	if err := s.AddBlock("0x01"); err != nil {
		t.Fatalf("repeated AddBlock: %v", err)
	}
	blocked, _ = s.IsBlocked("0x01")
	if !blocked {
		t.Fatal("device not blocked after AddBlock")
	}

	ids, err := s.Blocklist()
	if err != nil {
		t.Fatalf("Blocklist: %v", err)
	}
	if len(ids) != 1 || ids[0] != "0x01" {
		t.Fatalf("Blocklist = %v, want [0x01]", ids)
	}

	if err := s.RemoveBlock("0x01"); err != nil {
		t.Fatalf("RemoveBlock: %v", err)
	}
	blocked, _ = s.IsBlocked("0x01")
	if blocked {
		t.Fatal("device still blocked after RemoveBlock")
	}
}
