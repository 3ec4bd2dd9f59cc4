package persistence

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rogers-f/criticality/internal/domain"
)

// renameFile is swapped in tests to simulate a failing replace.
var renameFile = os.Rename

// SaveState writes snap to path atomically. On any failure the previous
// file is left untouched.
func SaveState(path string, snap domain.ProtocolStateSnapshot, opts SerializeOptions) error {
	data, err := SerializeState(snap, opts)
	if err != nil {
		return err
	}
	return WriteDocument(path, data)
}

// WriteDocument atomically replaces path with data. Data goes to a
// temporary file in the destination directory which is then renamed over
// path, so readers see either the previous document or the new one. The
// directory must already exist.
func WriteDocument(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return newError(KindFile, "create temp file in "+dir, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if err := tmp.Chmod(documentMode(path)); err != nil {
		_ = tmp.Close()
		cleanup()
		return newError(KindFile, "chmod temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return newError(KindFile, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return newError(KindFile, "sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return newError(KindFile, "close temp file", err)
	}
	if err := renameFile(tmpPath, path); err != nil {
		cleanup()
		return newError(KindFile, "replace "+path, err)
	}
	return nil
}

// documentMode keeps the permissions of an existing document; new documents
// are 0644.
func documentMode(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}

// LoadState reads the snapshot stored at path. A missing file is an ordinary
// cold start and yields found=false with no error. A file that is empty or
// not valid JSON is a corruption_error; one that parses but does not match
// the schema is a schema_error.
func LoadState(path string) (snap domain.ProtocolStateSnapshot, found bool, err error) {
	doc, found, err := LoadDocument(path)
	if err != nil || !found {
		return domain.ProtocolStateSnapshot{}, found, err
	}
	return doc.Snapshot, true, nil
}

// LoadDocument is LoadState with the envelope metadata.
func LoadDocument(path string) (Document, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Document{}, false, nil
		}
		return Document{}, false, newError(KindFile, "read "+path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, true, &PersistenceError{
			Kind:    KindCorruption,
			Message: "state file is empty",
			Details: path,
		}
	}

	doc, err := DeserializeDocument(data)
	if err != nil {
		if IsKind(err, KindParse) {
			return Document{}, true, &PersistenceError{
				Kind:    KindCorruption,
				Message: "state file is not valid JSON",
				Details: path,
				Cause:   err,
			}
		}
		return Document{}, true, err
	}
	return doc, true, nil
}
