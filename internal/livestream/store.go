package livestream

import (
	"encoding/json"
	"errors"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Store is the persistence abstraction for client segment directories.
// Implementations only hold bytes; ordering and retention decisions live in
// the Service. Callers serialize mutations per client.
type Store interface {
	// Put writes a segment and its metadata record. If overwrite is false an
	// existing segment of the same name yields ErrDuplicateSegment.
	Put(clientID ClientID, filename string, data []byte, meta SegmentMeta, overwrite bool) error

	// List returns the segment names currently stored for the client, unordered.
	// A missing directory lists as empty.
	List(clientID ClientID) ([]string, error)

	// Remove deletes a segment and its metadata record. Absent files are not an error.
	Remove(clientID ClientID, filename string) error

	// ReadMetadata returns size, modification time and metadata record of a segment.
	ReadMetadata(clientID ClientID, filename string) (FileInfo, error)

	// Reset removes everything stored for the client. existed is false when
	// the client had no directory.
	Reset(clientID ClientID) (existed bool, err error)

	// WriteManifest atomically replaces the client's manifest.
	WriteManifest(clientID ClientID, data []byte) error

	// ReadManifest returns the client's manifest or ErrNotFound.
	ReadManifest(clientID ClientID) ([]byte, error)

	// Open opens a manifest or segment for reading.
	Open(clientID ClientID, name string) (afero.File, error)
}

// FSStore is a Store over an afero filesystem, one directory per client.
type FSStore struct {
	fs afero.Fs
}

// NewFSStore returns a store rooted at the top of fsys. Production callers pass
// afero.NewBasePathFs(afero.NewOsFs(), root); tests pass afero.NewMemMapFs().
func NewFSStore(fsys afero.Fs) *FSStore {
	return &FSStore{fs: fsys}
}

// NewOSStore returns a store over the local directory root, creating it if needed.
func NewOSStore(root string) (*FSStore, error) {
	osfs := afero.NewOsFs()
	if err := osfs.MkdirAll(root, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir root", Err: err}
	}
	return NewFSStore(afero.NewBasePathFs(osfs, root)), nil
}

func validClientID(clientID ClientID) error {
	s := string(clientID)
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return ErrInvalidClientID
	}
	return nil
}

func clientPath(clientID ClientID, name string) string {
	return path.Join("/", string(clientID), name)
}

func metaName(filename string) string {
	return filename + metaSuffix
}

// Put implements Store.Put.
func (s *FSStore) Put(clientID ClientID, filename string, data []byte, meta SegmentMeta, overwrite bool) error {
	if err := validClientID(clientID); err != nil {
		return err
	}
	if !isSegmentName(filename) {
		return ErrInvalidSegmentName
	}

	if err := s.fs.MkdirAll(clientPath(clientID, ""), 0o755); err != nil {
		return &StorageError{Op: "mkdir", Err: err}
	}

	target := clientPath(clientID, filename)
	existed, err := afero.Exists(s.fs, target)
	if err != nil {
		return &StorageError{Op: "stat", Err: err}
	}
	if existed && !overwrite {
		return ErrDuplicateSegment
	}

	meta.Size = int64(len(data))
	b, err := json.Marshal(meta)
	if err != nil {
		return &StorageError{Op: "encode metadata", Err: err}
	}

	// Both files are staged before either is renamed, so a failed write
	// leaves a previous segment of the same name untouched.
	segTmp, err := s.writeTemp(target, data)
	if err != nil {
		return &StorageError{Op: "write segment", Err: err}
	}
	metaTarget := clientPath(clientID, metaName(filename))
	metaTmp, err := s.writeTemp(metaTarget, b)
	if err != nil {
		_ = s.fs.Remove(segTmp)
		return &StorageError{Op: "write metadata", Err: err}
	}

	if err := s.fs.Rename(segTmp, target); err != nil {
		_ = s.fs.Remove(segTmp)
		_ = s.fs.Remove(metaTmp)
		return &StorageError{Op: "write segment", Err: err}
	}
	if err := s.fs.Rename(metaTmp, metaTarget); err != nil {
		_ = s.fs.Remove(metaTmp)
		// A new segment without its record would be ordered by name alone.
		if !existed {
			_ = s.fs.Remove(target)
		}
		return &StorageError{Op: "write metadata", Err: err}
	}
	return nil
}

func tempName(target string) string {
	dir, name := path.Split(target)
	return path.Join(dir, "."+name+".tmp")
}

// writeTemp writes data to the temp file next to target and returns its path.
func (s *FSStore) writeTemp(target string, data []byte) (string, error) {
	tmp := tempName(target)
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// writeAtomic writes data next to target and renames it into place so readers
// never observe a partially written file.
func (s *FSStore) writeAtomic(target string, data []byte) error {
	tmp, err := s.writeTemp(target, data)
	if err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return nil
}

// List implements Store.List.
func (s *FSStore) List(clientID ClientID) ([]string, error) {
	if err := validClientID(clientID); err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, clientPath(clientID, ""))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isSegmentName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Remove implements Store.Remove.
func (s *FSStore) Remove(clientID ClientID, filename string) error {
	if err := validClientID(clientID); err != nil {
		return err
	}
	if !isSegmentName(filename) {
		return ErrInvalidSegmentName
	}
	for _, name := range []string{filename, metaName(filename)} {
		if err := s.fs.Remove(clientPath(clientID, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &StorageError{Op: "remove", Err: err}
		}
	}
	return nil
}

// ReadMetadata implements Store.ReadMetadata.
func (s *FSStore) ReadMetadata(clientID ClientID, filename string) (FileInfo, error) {
	if err := validClientID(clientID); err != nil {
		return FileInfo{}, err
	}
	fi, err := s.fs.Stat(clientPath(clientID, filename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, &StorageError{Op: "stat", Err: err}
	}
	info := FileInfo{Name: filename, Size: fi.Size(), ModTime: fi.ModTime()}

	b, err := afero.ReadFile(s.fs, clientPath(clientID, metaName(filename)))
	if err == nil {
		var meta SegmentMeta
		if json.Unmarshal(b, &meta) == nil {
			info.Meta = &meta
		}
	}
	return info, nil
}

// Reset implements Store.Reset.
func (s *FSStore) Reset(clientID ClientID) (bool, error) {
	if err := validClientID(clientID); err != nil {
		return false, err
	}
	dir := clientPath(clientID, "")
	exists, err := afero.DirExists(s.fs, dir)
	if err != nil {
		return false, &StorageError{Op: "stat", Err: err}
	}
	if !exists {
		return false, nil
	}

	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return true, &StorageError{Op: "list", Err: err}
	}
	var failed []string
	for _, e := range entries {
		if err := s.fs.RemoveAll(path.Join(dir, e.Name())); err != nil {
			failed = append(failed, e.Name())
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return true, &PartialDeleteError{Failed: failed}
	}
	if err := s.fs.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, &PartialDeleteError{Failed: []string{string(clientID)}}
	}
	return true, nil
}

// WriteManifest implements Store.WriteManifest.
func (s *FSStore) WriteManifest(clientID ClientID, data []byte) error {
	if err := validClientID(clientID); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(clientPath(clientID, ""), 0o755); err != nil {
		return &StorageError{Op: "mkdir", Err: err}
	}
	if err := s.writeAtomic(clientPath(clientID, manifestName), data); err != nil {
		return &StorageError{Op: "write manifest", Err: err}
	}
	return nil
}

// ReadManifest implements Store.ReadManifest.
func (s *FSStore) ReadManifest(clientID ClientID) ([]byte, error) {
	if err := validClientID(clientID); err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(s.fs, clientPath(clientID, manifestName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "read manifest", Err: err}
	}
	return b, nil
}

// Open implements Store.Open. Only the manifest and segment files are readable.
func (s *FSStore) Open(clientID ClientID, name string) (afero.File, error) {
	if err := validClientID(clientID); err != nil {
		return nil, err
	}
	if name != manifestName && !isSegmentName(name) {
		return nil, ErrNotFound
	}
	f, err := s.fs.Open(clientPath(clientID, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "open", Err: err}
	}
	return f, nil
}
