// Package state persists the small durable record an app's install pipeline
// consults between invocations: the last installed tag and the HTTP
// conditional-request validators returned with it. It is advisory — the bin
// symlinks on disk are the authority for what is actually running — but it
// lets `check`/`update` avoid re-downloading a release index that has not
// changed.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Record is the durable per-app state file, see spec §3.
type Record struct {
	LatestTag   string `json:"latest_tag,omitempty"`
	ETag        string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	InstalledAt string `json:"installed_at,omitempty"`

	// unknown carries any fields present on disk that this version of the
	// struct does not recognize, so a load/save round trip never drops them.
	unknown map[string]json.RawMessage
}

// StateError wraps failures to read or write the persisted record.
type StateError struct {
	Path string
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state error for %s: %v", e.Path, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// Load reads the record at path. A missing file yields an empty Record, not
// an error — an app that has never been installed has no state yet.
func Load(path string) (Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, nil
		}
		return Record{}, &StateError{Path: path, Err: err}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, &StateError{Path: path, Err: fmt.Errorf("decode: %w", err)}
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, &StateError{Path: path, Err: fmt.Errorf("decode: %w", err)}
	}
	for _, known := range []string{"latest_tag", "etag", "last_modified", "installed_at"} {
		delete(fields, known)
	}
	rec.unknown = fields
	return rec, nil
}

// Save atomically writes rec to path: write a sibling temp file, fsync it,
// rename over the target, then fsync the parent directory. Unknown fields
// carried from a prior Load are merged back in so forward-compatible fields
// this version doesn't understand survive the round trip.
func Save(path string, rec Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StateError{Path: path, Err: fmt.Errorf("create state dir: %w", err)}
	}

	payload, err := marshalWithUnknown(rec)
	if err != nil {
		return &StateError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return &StateError{Path: path, Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return &StateError{Path: path, Err: fmt.Errorf("write temp file: %w", err)}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &StateError{Path: path, Err: fmt.Errorf("fsync temp file: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return &StateError{Path: path, Err: fmt.Errorf("close temp file: %w", err)}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &StateError{Path: path, Err: fmt.Errorf("rename into place: %w", err)}
	}

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
	return nil
}

func marshalWithUnknown(rec Record) ([]byte, error) {
	merged := make(map[string]json.RawMessage, len(rec.unknown)+4)
	for k, v := range rec.unknown {
		merged[k] = v
	}

	set := func(key, value string) error {
		if value == "" {
			delete(merged, key)
			return nil
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return err
		}
		merged[key] = encoded
		return nil
	}
	if err := set("latest_tag", rec.LatestTag); err != nil {
		return nil, err
	}
	if err := set("etag", rec.ETag); err != nil {
		return nil, err
	}
	if err := set("last_modified", rec.LastModified); err != nil {
		return nil, err
	}
	if err := set("installed_at", rec.InstalledAt); err != nil {
		return nil, err
	}
	return json.MarshalIndent(merged, "", "  ")
}
