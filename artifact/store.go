// Package artifact names and manages the versioned model directories inside
// the experiment tree. A snapshot is addressed by (root, mixture size,
// iteration) and its directory is never rewritten once produced; refinement
// always writes the next iteration's directory instead.
package artifact

import (
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"

	"github.com/spokenlab/amtrain/errors"
)

// Key addresses one model snapshot.
type Key struct {
	Root string
	Size int
	Iter int
}

// Path resolves the snapshot directory for the key. Pure: the same key always
// yields the same path and distinct keys yield distinct paths.
func (k Key) Path() string {
	return filepath.Join(k.Root, "HMM-"+strconv.Itoa(k.Size)+"-"+strconv.Itoa(k.Iter))
}

// Next is the key of the snapshot the following refinement iteration writes.
func (k Key) Next() Key {
	return Key{Root: k.Root, Size: k.Size, Iter: k.Iter + 1}
}

// WithSize is the key of the first snapshot after a mixture split.
func (k Key) WithSize(size int) Key {
	return Key{Root: k.Root, Size: size, Iter: 0}
}

// Snapshot is a produced model directory plus the likelihood measured while
// producing it (zero for snapshots that were not estimated, e.g. splits).
type Snapshot struct {
	Key         Key
	LikPerFrame float64
}

// Dir is the snapshot's backing directory.
func (s Snapshot) Dir() string {
	return s.Key.Path()
}

// Store manages the experiment directory tree.
type Store struct {
	fs      afero.Fs
	exp     string
	miscDir string
}

// NewStore creates a store rooted at the experiment directory.
func NewStore(fs afero.Fs, experimentDir string) *Store {
	return &Store{
		fs:      fs,
		exp:     experimentDir,
		miscDir: filepath.Join(experimentDir, "misc"),
	}
}

// Fs exposes the backing filesystem for callers that write stage files.
func (s *Store) Fs() afero.Fs { return s.fs }

// ExperimentDir is the experiment root.
func (s *Store) ExperimentDir() string { return s.exp }

// MiscDir is the side directory holding pre-overwrite backups.
func (s *Store) MiscDir() string { return s.miscDir }

// StageRoot resolves a stage root directory like <exp>/Mono.
func (s *Store) StageRoot(name string) string {
	return filepath.Join(s.exp, name)
}

// EnsureFresh prepares the experiment root. When clean is set the whole root
// is removed first; this runs once at startup, before any stage.
func (s *Store) EnsureFresh(clean bool) error {
	if clean {
		if err := s.fs.RemoveAll(s.exp); err != nil {
			return errors.Wrapf(err, "cleaning experiment dir %s", s.exp)
		}
	}
	for _, dir := range []string{s.exp, s.miscDir} {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "creating %s", dir)
		}
	}
	return nil
}

// CreateDir creates the snapshot directory for a key. A directory that
// already exists is an error: snapshots are immutable and a new iteration
// number must be used instead.
func (s *Store) CreateDir(k Key) (string, error) {
	path := k.Path()
	if exists, _ := afero.DirExists(s.fs, path); exists {
		return "", errors.Errorf("snapshot dir already exists: %s", path)
	}
	if err := s.fs.MkdirAll(path, 0755); err != nil {
		return "", errors.Wrapf(err, "creating snapshot dir %s", path)
	}
	return path, nil
}

// CreateStageRoot makes a stage root directory, removing any previous one.
// Stage roots are rebuilt wholesale when their stage runs; snapshot
// immutability applies below them, not to the root itself on a re-run.
func (s *Store) CreateStageRoot(name string) (string, error) {
	dir := s.StageRoot(name)
	if err := s.fs.RemoveAll(dir); err != nil {
		return "", errors.Wrapf(err, "removing stage root %s", dir)
	}
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "creating stage root %s", dir)
	}
	return dir, nil
}

// Exists reports whether the snapshot directory for a key is on disk.
func (s *Store) Exists(k Key) bool {
	exists, _ := afero.DirExists(s.fs, k.Path())
	return exists
}

// Backup copies a file about to be overwritten into misc/ under the given
// name. Best-effort: failures are returned for logging but callers must not
// abort the stage on them.
func (s *Store) Backup(src, name string) error {
	if err := s.fs.MkdirAll(s.miscDir, 0755); err != nil {
		return errors.Wrapf(err, "creating misc dir")
	}
	in, err := s.fs.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %s for backup", src)
	}
	defer in.Close()

	dst := filepath.Join(s.miscDir, name)
	out, err := s.fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating backup %s", dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "copying %s to %s", src, dst)
	}
	return nil
}

// Restore copies a misc/ backup over a live file, used when a later stage
// needs to rewind a list to an earlier filtering.
func (s *Store) Restore(name, dst string) error {
	src := filepath.Join(s.miscDir, name)
	in, err := s.fs.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening backup %s", src)
	}
	defer in.Close()

	out, err := s.fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "copying %s to %s", src, dst)
	}
	return nil
}

