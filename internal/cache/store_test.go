package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/partscout/partscout/internal/types"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := New(t.TempDir(), ttl)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestRoundTrip(t *testing.T) {
	s := newTestStore(t, time.Hour)

	manufacturers := []types.Manufacturer{
		{Code: "HEN", Name: "Henny Penny", URI: "henny-penny", ModelCount: 42},
	}
	if err := s.PutManufacturers(manufacturers, types.StrategyDirect); err != nil {
		t.Fatalf("PutManufacturers() error = %v", err)
	}
	got, ok := s.GetManufacturers()
	if !ok {
		t.Fatal("GetManufacturers() missed after put")
	}
	if len(got) != 1 || got[0] != manufacturers[0] {
		t.Errorf("GetManufacturers() = %+v", got)
	}

	models := []types.Model{{Code: "pf500", Name: "PF500", URL: "/henny-penny/pf500/parts"}}
	if err := s.PutModels("henny-penny", models, types.StrategyRendered); err != nil {
		t.Fatalf("PutModels() error = %v", err)
	}
	gotModels, ok := s.GetModels("henny-penny")
	if !ok || len(gotModels) != 1 || gotModels[0] != models[0] {
		t.Errorf("GetModels() = %+v, ok = %v", gotModels, ok)
	}

	manuals := []types.Manual{{Type: types.ManualServiceParts, Title: "Service & Parts Manual", Link: "/modelManual/HEN-PF500_spm.pdf"}}
	if err := s.PutManuals("henny-penny", "pf500", manuals, types.StrategyDirect); err != nil {
		t.Fatalf("PutManuals() error = %v", err)
	}
	gotManuals, ok := s.GetManuals("henny-penny", "pf500")
	if !ok || len(gotManuals) != 1 || gotManuals[0] != manuals[0] {
		t.Errorf("GetManuals() = %+v, ok = %v", gotManuals, ok)
	}
}

func TestMissOnAbsentEntry(t *testing.T) {
	s := newTestStore(t, time.Hour)

	if _, ok := s.GetModels("nobody"); ok {
		t.Error("GetModels() hit on absent entry")
	}
	if _, ok := s.GetManufacturers(); ok {
		t.Error("GetManufacturers() hit on absent entry")
	}
}

func TestKnownEmptyIsAHit(t *testing.T) {
	s := newTestStore(t, time.Hour)

	if err := s.PutManuals("henny-penny", "pf500", []types.Manual{}, types.StrategyDirect); err != nil {
		t.Fatalf("PutManuals() error = %v", err)
	}
	got, ok := s.GetManuals("henny-penny", "pf500")
	if !ok {
		t.Fatal("empty entry should be a cache hit")
	}
	if got == nil || len(got) != 0 {
		t.Errorf("GetManuals() = %#v, want empty non-nil slice", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	s := newTestStore(t, 20*time.Millisecond)

	if err := s.PutModels("henny-penny", []types.Model{{Code: "pf500", Name: "PF500"}}, types.StrategyDirect); err != nil {
		t.Fatalf("PutModels() error = %v", err)
	}
	if _, ok := s.GetModels("henny-penny"); !ok {
		t.Fatal("fresh entry missed")
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := s.GetModels("henny-penny"); ok {
		t.Error("stale entry served")
	}
}

func TestMalformedEntryIgnored(t *testing.T) {
	s := newTestStore(t, time.Hour)

	path := filepath.Join(s.dir, modelsDir, "henny-penny.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, ok := s.GetModels("henny-penny"); ok {
		t.Error("malformed entry served")
	}
}

func TestSanitizedIdentity(t *testing.T) {
	s := newTestStore(t, time.Hour)

	if err := s.PutModels("Henny Penny/../../etc", []types.Model{{Code: "x", Name: "x"}}, types.StrategyDirect); err != nil {
		t.Fatalf("PutModels() error = %v", err)
	}
	if _, ok := s.GetModels("Henny Penny/../../etc"); !ok {
		t.Fatal("sanitized identity did not round-trip")
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, modelsDir))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single file, got %d", len(entries))
	}
	if name := entries[0].Name(); name != "henny-penny-..-..-etc.json" {
		t.Errorf("stored filename = %q", name)
	}
}

func TestWalkAndSnapshot(t *testing.T) {
	s := newTestStore(t, time.Hour)

	_ = s.PutManufacturers([]types.Manufacturer{{Code: "HEN", Name: "Henny Penny", URI: "henny-penny"}}, types.StrategyDirect)
	_ = s.PutModels("henny-penny", []types.Model{{Code: "pf500", Name: "PF500"}}, types.StrategyDirect)
	_ = s.PutModels("vulcan", []types.Model{}, types.StrategyRendered)
	_ = s.PutManuals("henny-penny", "pf500", []types.Manual{}, types.StrategyDirect)

	kinds := map[string]int{}
	err := s.Walk(func(info EntryInfo) error {
		kinds[info.Kind]++
		if info.Stale {
			t.Errorf("fresh entry %s reported stale", info.Path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if kinds["manufacturers"] != 1 || kinds["models"] != 2 || kinds["manuals"] != 1 {
		t.Errorf("walk counts = %v", kinds)
	}

	snap := s.Snapshot()
	if snap.Manufacturers != 1 || snap.Models != 2 || snap.Manuals != 1 {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestPruneEmpty(t *testing.T) {
	s := newTestStore(t, time.Hour)

	_ = s.PutModels("henny-penny", []types.Model{{Code: "pf500", Name: "PF500"}}, types.StrategyDirect)
	_ = s.PutModels("vulcan", []types.Model{}, types.StrategyDirect)
	_ = s.PutManuals("henny-penny", "pf500", []types.Manual{}, types.StrategyDirect)

	removed, err := s.PruneEmpty()
	if err != nil {
		t.Fatalf("PruneEmpty() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("PruneEmpty() removed %d entries, want 2", removed)
	}

	if _, ok := s.GetModels("vulcan"); ok {
		t.Error("pruned entry still served")
	}
	if _, ok := s.GetModels("henny-penny"); !ok {
		t.Error("non-empty entry was pruned")
	}
}

func TestDeleteOutsideCacheDirRejected(t *testing.T) {
	s := newTestStore(t, time.Hour)

	outside := filepath.Join(t.TempDir(), "victim.json")
	if err := os.WriteFile(outside, []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := s.Delete(outside); err == nil {
		t.Fatal("Delete() accepted a path outside the cache directory")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("file outside cache dir was removed: %v", err)
	}
}
