package save

import (
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// BackupRecord captures a file's bytes before an atomic save overwrites it,
// so the file can be restored if the save fails after the rename. Original
// bytes are held snappy-compressed. A record of a file which did not yet
// exist has nil Compressed; restoring it removes the file.
type BackupRecord struct {
	UUID      uuid.UUID
	Path      string
	CreatedAt time.Time

	// Compressed is the snappy-compressed original content, or nil if the
	// file is new.
	Compressed []byte
	Mode       os.FileMode

	persisted string // Path of the persisted record, if any.
}

// NewBackupRecord reads the current content of |path| into a BackupRecord.
// A missing file yields a record marking the file as new.
func NewBackupRecord(fs afero.Fs, path string) (*BackupRecord, error) {
	var rec = &BackupRecord{
		UUID:      uuid.New(),
		Path:      path,
		CreatedAt: time.Now().UTC(),
	}

	var fi, err = fs.Stat(path)
	if os.IsNotExist(err) {
		return rec, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "stat of %q", path)
	}
	rec.Mode = fi.Mode()

	var b []byte
	if b, err = afero.ReadFile(fs, path); err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	rec.Compressed = snappy.Encode(nil, b)
	return rec, nil
}

// Persist writes the record's compressed content into |dir|, so it survives
// a crash of the saving process.
func (r *BackupRecord) Persist(fs afero.Fs, dir string) error {
	if r.Compressed == nil {
		return nil // Nothing to persist for a new file.
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating backup directory %q", dir)
	}
	var p = filepath.Join(dir, r.UUID.String()+".bak")
	if err := afero.WriteFile(fs, p, r.Compressed, 0o600); err != nil {
		return errors.Wrapf(err, "persisting backup %s", r.UUID)
	}
	r.persisted = p
	return nil
}

// Restore puts the original bytes back at the record's path, or removes the
// file if it was new.
func (r *BackupRecord) Restore(fs afero.Fs) error {
	if r.Compressed == nil {
		var err = fs.Remove(r.Path)
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing new file %q", r.Path)
		}
		return nil
	}

	var b, err = snappy.Decode(nil, r.Compressed)
	if err != nil {
		return errors.Wrapf(err, "decompressing backup %s", r.UUID)
	}
	var mode = r.Mode
	if mode == 0 {
		mode = 0o644
	}
	return errors.Wrapf(afero.WriteFile(fs, r.Path, b, mode), "restoring %q", r.Path)
}

// Discard removes the persisted record, once the save is confirmed durable.
func (r *BackupRecord) Discard(fs afero.Fs) error {
	if r.persisted == "" {
		return nil
	}
	var err = fs.Remove(r.persisted)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "discarding backup %s", r.UUID)
	}
	r.persisted = ""
	return nil
}
