// Package save implements the atomic save protocol: a staged sequence which
// lands a change consistently on disk and in the database, or not at all.
// The only step the filesystem guarantees atomic is the final rename; every
// earlier step is guarded by validation, a backup of the original bytes, and
// a database transaction, so an observer reading the file or the database at
// any moment sees either the fully old state or the fully new state.
package save

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/lanedb/lane/engine"
	"github.com/lanedb/lane/metrics"
	"github.com/lanedb/lane/wire"
)

// Stage names a step of the save sequence. A failed save reports the stage
// at which it failed, so callers can distinguish "nothing happened" from
// "file or database may need inspection".
type Stage string

const (
	StageValidate   Stage = "validate"
	StageBackup     Stage = "backup"
	StageStageWrite Stage = "stage-write"
	StageRevalidate Stage = "revalidate"
	StageBegin      Stage = "begin-txn"
	StageDerived    Stage = "derived-rows"
	StageRename     Stage = "rename"
	StageCommit     Stage = "commit"
)

// StageError is a save failure tagged with its failing Stage.
type StageError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return "save failed at " + string(e.Stage) + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failing Stage of |err|, or "" if it is not a save
// failure.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Validator checks staged content against its target format.
type Validator func(content []byte) error

// DerivedRows are database rows derived from a file's content. On save, all
// rows of Table whose KeyColumn equals Key are replaced by Rows (each row
// gains the KeyColumn binding automatically).
type DerivedRows struct {
	Table     string
	KeyColumn string
	Key       string
	Rows      []map[string]wire.Value
}

// Saver coordinates atomic saves against one filesystem and one Engine.
type Saver struct {
	// FS is the filesystem holding saved files. Tests substitute a fake to
	// inject stage failures.
	FS afero.Fs
	// Engine applies the derived-row transaction.
	Engine *engine.Engine
	// Validate checks staged content. Required.
	Validate Validator
	// BackupDir persists BackupRecords across a crash, when non-empty.
	BackupDir string
	// Retain keeps the persisted BackupRecord after a successful save.
	Retain bool

	// beforeCommit, when set, runs after the rename and before the commit.
	// It exists for failure-injection tests.
	beforeCommit func() error
}

// Save atomically writes |content| to |path| and replaces |derived| rows.
// Failure at any stage leaves both the file and the database rows in their
// pre-save state, and returns a StageError naming the failed stage.
func (s *Saver) Save(ctx context.Context, path string, content []byte, derived *DerivedRows) error {
	var err = s.save(ctx, path, content, derived)
	if err != nil {
		metrics.SaveFailuresTotal.WithLabelValues(string(StageOf(err))).Inc()
	}
	return err
}

func (s *Saver) save(ctx context.Context, path string, content []byte, derived *DerivedRows) error {
	// (1) Validate staged content. Abort with zero side effects if invalid.
	if err := s.Validate(content); err != nil {
		return &StageError{StageValidate, err}
	}

	// (2) Back up the target's current bytes.
	var rec, err = NewBackupRecord(s.FS, path)
	if err != nil {
		return &StageError{StageBackup, err}
	}
	if s.BackupDir != "" {
		if err = rec.Persist(s.FS, s.BackupDir); err != nil {
			return &StageError{StageBackup, err}
		}
	}

	// (3) Write staged content to a temporary file in the same directory,
	// so the final rename cannot cross a filesystem boundary.
	var tmp = filepath.Join(filepath.Dir(path),
		"."+filepath.Base(path)+".staged-"+uuid.New().String()[:8])
	if err = afero.WriteFile(s.FS, tmp, content, 0o644); err != nil {
		return &StageError{StageStageWrite, err}
	}
	defer func() {
		// The temporary is renamed away on success; remove it otherwise.
		if exists, _ := afero.Exists(s.FS, tmp); exists {
			_ = s.FS.Remove(tmp)
		}
	}()

	// (4) Re-validate the temporary file as written.
	var staged []byte
	if staged, err = afero.ReadFile(s.FS, tmp); err != nil {
		return &StageError{StageRevalidate, err}
	} else if err = s.Validate(staged); err != nil {
		return &StageError{StageRevalidate, err}
	}

	// (5) Open the database transaction.
	var txn uuid.UUID
	if txn, err = s.Engine.Begin(ctx); err != nil {
		return &StageError{StageBegin, err}
	}

	// (6) Replace derived rows within the transaction.
	if derived != nil {
		if err = s.applyDerived(ctx, txn, derived); err != nil {
			_ = s.Engine.Rollback(txn)
			return &StageError{StageDerived, err}
		}
	}

	// (7) Atomically rename the temporary over the target.
	if err = s.FS.Rename(tmp, path); err != nil {
		_ = s.Engine.Rollback(txn)
		return &StageError{StageRename, err}
	}

	// (8) Commit. A failure here has already renamed: roll back the
	// transaction and restore the original file bytes from the backup.
	if s.beforeCommit != nil {
		err = s.beforeCommit()
	}
	if err == nil {
		err = s.Engine.Commit(txn)
	} else {
		_ = s.Engine.Rollback(txn)
	}
	if err != nil {
		if rErr := rec.Restore(s.FS); rErr != nil {
			log.WithFields(log.Fields{"path": path, "err": rErr}).
				Error("failed to restore file from backup; manual inspection required")
		}
		return &StageError{StageCommit, err}
	}

	if !s.Retain {
		if err = rec.Discard(s.FS); err != nil {
			log.WithFields(log.Fields{"path": path, "err": err}).Warn("failed to discard backup")
		}
	}

	log.WithFields(log.Fields{
		"path":  path,
		"bytes": len(content),
	}).Debug("saved file atomically")
	return nil
}

// applyDerived clears stale derived rows of the file and inserts the new
// ones, all within transaction |txn|.
func (s *Saver) applyDerived(ctx context.Context, txn uuid.UUID, d *DerivedRows) error {
	var _, err = s.Engine.Delete(ctx, &txn, d.Table,
		d.KeyColumn+" = ?", []wire.Value{wire.StringValue(d.Key)})
	if err != nil {
		return errors.WithMessagef(err, "clearing stale rows of %q", d.Key)
	}

	for i, row := range d.Rows {
		var full = make(map[string]wire.Value, len(row)+1)
		for k, v := range row {
			full[k] = v
		}
		full[d.KeyColumn] = wire.StringValue(d.Key)

		if _, err = s.Engine.Insert(ctx, &txn, d.Table, full); err != nil {
			return errors.WithMessagef(err, "inserting derived row %d of %q", i, d.Key)
		}
	}
	return nil
}
