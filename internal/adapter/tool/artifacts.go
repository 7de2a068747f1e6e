package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// artifactIDRegex bounds artifact file names to ULID-shaped tokens so
// a stored id can never escape the artifacts directory.
var artifactIDRegex = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}$`)

// ArtifactInfo describes one stored export artifact.
type ArtifactInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Size      int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactWriter is the storage seam used by the export tool.
type ArtifactWriter interface {
	Write(id string, data []byte) (path string, err error)
}

// DirArtifactStore writes export artifacts as JSON files in a single
// directory. Files are owner-only; ids are ULIDs minted by the caller.
type DirArtifactStore struct {
	dir string
}

var _ ArtifactWriter = (*DirArtifactStore)(nil)

// NewDirArtifactStore creates a store rooted at dir, creating the
// directory if it does not exist.
func NewDirArtifactStore(dir string) (*DirArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &DirArtifactStore{dir: dir}, nil
}

func (s *DirArtifactStore) path(id string) (string, error) {
	if !artifactIDRegex.MatchString(id) {
		return "", fmt.Errorf("invalid artifact id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Write stores one artifact document and returns its path. Fails if
// the id is already taken; exports are never overwritten.
func (s *DirArtifactStore) Write(id string, data []byte) (string, error) {
	p, err := s.path(id)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("artifact %q already exists", id)
		}
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(p)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(p)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return p, nil
}

// Read returns one artifact's raw document.
func (s *DirArtifactStore) Read(id string) ([]byte, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %q not found", id)
		}
		return nil, err
	}
	return data, nil
}

// List returns stored artifacts sorted by id. ULIDs sort
// lexicographically by creation time, so this is chronological.
func (s *DirArtifactStore) List() ([]ArtifactInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []ArtifactInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		if !artifactIDRegex.MatchString(id) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ArtifactInfo{
			ID:        id,
			Path:      filepath.Join(s.dir, e.Name()),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Tidy removes zero-byte files left behind by interrupted writes and
// reports how many were removed. Called by the maintenance sweep.
func (s *DirArtifactStore) Tidy() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() != 0 {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
