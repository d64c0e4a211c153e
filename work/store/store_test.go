package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"sxm-proxy/work/logger"
)

func newTestStore(t *testing.T) *CredentialStore {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "auth.json"), logger.New("ERROR"))
}

func TestSaveLoad_roundtrip(t *testing.T) {
	cs := newTestStore(t)

	last := int64(1700000000)
	rec := &CredentialRecord{
		LastAuthTime: &last,
		Cookies: map[string]string{
			"SXMDATA":    "abc",
			"AWSALB":     "def",
			"JSESSIONID": "ghi",
			"SXMAKTOKEN": "token=xyz,CL",
		},
	}

	if err := cs.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := cs.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.LastAuthTime == nil || *loaded.LastAuthTime != last {
		t.Errorf("lastAuthTime: %v", loaded.LastAuthTime)
	}
	if len(loaded.Cookies) != 4 {
		t.Errorf("cookies: %+v", loaded.Cookies)
	}
	if loaded.Cookies["SXMAKTOKEN"] != "token=xyz,CL" {
		t.Errorf("token cookie: %q", loaded.Cookies["SXMAKTOKEN"])
	}
}

func TestSave_nullLastAuthTime(t *testing.T) {
	cs := newTestStore(t)

	if err := cs.Save(&CredentialRecord{Cookies: map[string]string{"SXMDATA": "x"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// the on-disk field must be an explicit null, not absent
	data, err := os.ReadFile(cs.Path())
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if string(raw["lastAuthTime"]) != "null" {
		t.Errorf("lastAuthTime on disk: %s", raw["lastAuthTime"])
	}

	loaded, err := cs.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.LastAuthTime != nil {
		t.Errorf("expected nil lastAuthTime, got %v", *loaded.LastAuthTime)
	}
}

func TestSave_atomic_noPartialFile(t *testing.T) {
	cs := newTestStore(t)

	if err := cs.Save(&CredentialRecord{Cookies: map[string]string{"a": "b"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(cs.Path()))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(cs.Path()) {
			t.Errorf("unexpected file left behind: %s", e.Name())
		}
	}
}

func TestSave_ownerOnlyPermissions(t *testing.T) {
	cs := newTestStore(t)

	if err := cs.Save(&CredentialRecord{Cookies: map[string]string{"a": "b"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(cs.Path())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions: %o", perm)
	}
}

func TestLoad_missingFile(t *testing.T) {
	cs := newTestStore(t)

	rec, err := cs.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if rec.LastAuthTime != nil || len(rec.Cookies) != 0 {
		t.Errorf("expected empty record, got %+v", rec)
	}
}

func TestSave_overwritesPrevious(t *testing.T) {
	cs := newTestStore(t)

	if err := cs.Save(&CredentialRecord{Cookies: map[string]string{"old": "1"}}); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	last := int64(42)
	if err := cs.Save(&CredentialRecord{LastAuthTime: &last, Cookies: map[string]string{"new": "2"}}); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	loaded, err := cs.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := loaded.Cookies["old"]; ok {
		t.Error("stale cookie survived overwrite")
	}
	if loaded.Cookies["new"] != "2" || loaded.LastAuthTime == nil || *loaded.LastAuthTime != 42 {
		t.Errorf("loaded: %+v", loaded)
	}
}
