package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"sxm-proxy/work/logger"
)

// CredentialRecord is the persisted authentication state: the Unix-seconds
// timestamp of the last successful session promotion (null when none) and
// the session cookies by name.
type CredentialRecord struct {
	LastAuthTime *int64            `json:"lastAuthTime"`
	Cookies      map[string]string `json:"cookies"`
}

// CredentialStore reads and writes the credential file. Writes go through
// a temp file and rename so a concurrent reader never observes a partial
// record, and the file is owner-read/write only since it carries live
// session cookies.
type CredentialStore struct {
	path string
	log  *logger.Logger
}

// New creates a store persisting to path.
func New(path string, log *logger.Logger) *CredentialStore {
	return &CredentialStore{path: path, log: log}
}

// Path returns the credential file location.
func (cs *CredentialStore) Path() string {
	return cs.path
}

// Load reads the persisted record. A missing file is a normal first-run
// condition and returns an empty record.
func (cs *CredentialStore) Load() (*CredentialRecord, error) {
	data, err := os.ReadFile(cs.path)
	if err != nil {
		if os.IsNotExist(err) {
			cs.log.Info("No existing authentication state found at %s", cs.path)
			return &CredentialRecord{Cookies: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var rec CredentialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}
	if rec.Cookies == nil {
		rec.Cookies = map[string]string{}
	}

	cs.log.Info("Loaded authentication state from %s", cs.path)
	return &rec, nil
}

// Save atomically replaces the credential file with rec.
func (cs *CredentialStore) Save(rec *CredentialRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential record: %w", err)
	}

	dir := filepath.Dir(cs.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp := cs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credential temp file: %w", err)
	}
	if err := os.Rename(tmp, cs.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace credential file: %w", err)
	}

	// the rename preserves the temp file's mode, but make sure an older
	// pre-existing file ends up restricted too
	if err := os.Chmod(cs.path, 0o600); err != nil {
		return fmt.Errorf("failed to restrict credential file: %w", err)
	}

	cs.log.Debug("Saved authentication state to %s", cs.path)
	return nil
}
