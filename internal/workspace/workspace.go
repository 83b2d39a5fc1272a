// Package workspace maps jobs onto upload and output directories on the
// local filesystem. The default job uses the shared legacy directories
// "uploads" and "outputs"; named jobs live under "jobs/<id>".
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	UploadDirName = "uploads"
	OutputDirName = "outputs"
	JobsDirName   = "jobs"
)

var (
	ErrUnknownJob  = errors.New("unknown job")
	ErrInvalidName = errors.New("invalid file name")
)

// Job is the pair of directories one upload/run/download cycle works on.
type Job struct {
	ID        string
	UploadDir string
	OutputDir string
}

// Default reports whether j is the shared default job.
func (j Job) Default() bool { return j.ID == "" }

// Manager resolves jobs under a data root and serialises work per job.
type Manager struct {
	root string

	mu    sync.Mutex
	locks map[string]*jobLock
}

type jobLock struct {
	sync.Mutex
	refs int
}

// NewManager returns a manager rooted at root. A relative root is made
// absolute so job directories stay valid for processes started elsewhere.
func NewManager(root string) *Manager {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Manager{root: root, locks: make(map[string]*jobLock)}
}

// Root returns the data root.
func (m *Manager) Root() string { return m.root }

// Create allocates a new named job and its directory.
func (m *Manager) Create() (Job, error) {
	id := uuid.NewString()
	j := m.job(id)
	if err := os.MkdirAll(filepath.Join(m.root, JobsDirName, id), 0o755); err != nil {
		return Job{}, fmt.Errorf("create job dir: %w", err)
	}
	return j, nil
}

// Resolve returns the job for id. An empty id is the default job. Named
// jobs must be well-formed UUIDs whose directory exists.
func (m *Manager) Resolve(id string) (Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Job{
			UploadDir: filepath.Join(m.root, UploadDirName),
			OutputDir: filepath.Join(m.root, OutputDirName),
		}, nil
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return Job{}, fmt.Errorf("%w: %q", ErrUnknownJob, id)
	}
	id = parsed.String()

	info, err := os.Stat(filepath.Join(m.root, JobsDirName, id))
	if err != nil || !info.IsDir() {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return m.job(id), nil
}

func (m *Manager) job(id string) Job {
	base := filepath.Join(m.root, JobsDirName, id)
	return Job{
		ID:        id,
		UploadDir: filepath.Join(base, UploadDirName),
		OutputDir: filepath.Join(base, OutputDirName),
	}
}

// Lock acquires the per-job mutex and returns its release function. A
// named job removed while the caller waited yields ErrUnknownJob and the
// mutex is not held.
func (m *Manager) Lock(j Job) (func(), error) {
	unlock := m.lock(j.ID)
	if j.Default() {
		return unlock, nil
	}
	if _, err := os.Stat(filepath.Join(m.root, JobsDirName, j.ID)); err != nil {
		unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, j.ID)
	}
	return unlock, nil
}

// lock holds the entry for id while anyone uses or waits on it.
func (m *Manager) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &jobLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// Remove deletes a named job's directory. The default job cannot be removed.
func (m *Manager) Remove(j Job) error {
	if j.Default() {
		return errors.New("default job cannot be removed")
	}
	unlock := m.lock(j.ID)
	defer unlock()
	return os.RemoveAll(filepath.Join(m.root, JobsDirName, j.ID))
}

// uploadPath joins name onto the upload directory. The name is used as
// given; only names that would land outside the directory are refused.
func uploadPath(dir, name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(dir, name), nil
}

// SaveUpload writes r to the upload directory under name, creating the
// directory if needed and overwriting any existing file.
func SaveUpload(j Job, name string, r io.Reader) (string, int64, error) {
	path, err := uploadPath(j.UploadDir, name)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, fmt.Errorf("create upload dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create %s: %w", name, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", n, fmt.Errorf("write %s: %w", name, err)
	}
	return path, n, nil
}

// ListDir returns the sorted names of the entries of dir. A missing
// directory is reported as empty.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Uploads lists the job's uploaded files.
func Uploads(j Job) ([]string, error) { return ListDir(j.UploadDir) }

// Outputs lists the job's inference results.
func Outputs(j Job) ([]string, error) { return ListDir(j.OutputDir) }

// EnsureOutputDir creates the output directory.
func EnsureOutputDir(j Job) error {
	return os.MkdirAll(j.OutputDir, 0o755)
}

// RemoveUploads deletes the whole upload directory tree.
func RemoveUploads(j Job) error {
	return os.RemoveAll(j.UploadDir)
}

// ClearOutputs deletes every entry of the output directory but keeps the
// directory itself.
func ClearOutputs(j Job) error {
	names, err := Outputs(j)
	if err != nil {
		return err
	}
	var errs []error
	for _, n := range names {
		if err := os.RemoveAll(filepath.Join(j.OutputDir, n)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LastActivity returns the most recent modification time within a named
// job's directory tree.
func (m *Manager) LastActivity(id string) (time.Time, error) {
	var latest time.Time
	err := filepath.WalkDir(filepath.Join(m.root, JobsDirName, id), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return latest, err
}

// JobIDs lists the named jobs on disk.
func (m *Manager) JobIDs() ([]string, error) {
	names, err := ListDir(filepath.Join(m.root, JobsDirName))
	if err != nil {
		return nil, err
	}
	ids := names[:0]
	for _, n := range names {
		if _, err := uuid.Parse(n); err == nil {
			ids = append(ids, n)
		}
	}
	return ids, nil
}
