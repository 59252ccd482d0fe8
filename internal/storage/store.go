package storage

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/imageflow/internal/domain"
)

// dirLayout names the per-day output directories.
const dirLayout = "2006-01-02"

// URLPrefix is the public route generated files are served under.
const URLPrefix = "/files/"

// Store persists generated images under <root>/<YYYY-MM-DD>/<uuid>.<ext>.
type Store struct {
	root string
	now  func() time.Time
}

// New creates the output root if needed and returns a Store over it.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", root, err)
	}
	return &Store{root: root, now: time.Now}, nil
}

// Root returns the output directory.
func (s *Store) Root() string { return s.root }

// Save writes data to a fresh file and returns the result descriptor for it.
func (s *Store) Save(ext string, data []byte) (domain.Result, error) {
	dir := s.now().UTC().Format(dirLayout)
	if err := os.MkdirAll(filepath.Join(s.root, dir), 0o755); err != nil {
		return domain.Result{}, fmt.Errorf("create %s: %w", dir, err)
	}

	name := uuid.New().String() + "." + strings.TrimPrefix(ext, ".")
	if err := os.WriteFile(filepath.Join(s.root, dir, name), data, 0o644); err != nil {
		return domain.Result{}, fmt.Errorf("write %s/%s: %w", dir, name, err)
	}
	return domain.Result{
		URL:      URLPrefix + dir + "/" + name,
		Dir:      dir,
		Filename: name,
	}, nil
}

// Open returns the bytes behind a result. Results that only carry a URL are
// resolved from its last two path segments.
func (s *Store) Open(res domain.Result) (io.ReadCloser, error) {
	dir, name := res.Dir, res.Filename
	if dir == "" || name == "" {
		dir, name = path.Split(strings.TrimSuffix(res.URL, "/"))
		dir = path.Base(dir)
	}
	p, err := s.Path(dir, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &domain.ResultMissingError{Location: dir + "/" + name}
		}
		return nil, fmt.Errorf("open %s/%s: %w", dir, name, err)
	}
	return f, nil
}

// Path joins dir and name under the root, rejecting anything that would escape it.
func (s *Store) Path(dir, name string) (string, error) {
	if !validSegment(dir) || !validSegment(name) {
		return "", fmt.Errorf("invalid result location %q/%q", dir, name)
	}
	return filepath.Join(s.root, dir, name), nil
}

func validSegment(seg string) bool {
	return seg != "" && seg != "." && seg != ".." && !strings.ContainsAny(seg, `/\`)
}
