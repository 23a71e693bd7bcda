// Package storage keeps group configuration payloads on the local filesystem.
package storage

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	payloadExt = ".bin"
	tempPrefix = ".payload-"
)

// ErrBadDigest is returned for a payload name that is not a lowercase SHA-1 hex digest.
var ErrBadDigest = errors.New("storage: malformed payload digest")

// FileStore keeps content-addressed payload files under <root>/groups/<id>/<sha1>.bin.
// A group's published hash therefore always names the exact bytes it describes.
type FileStore struct {
	root string
}

// NewFileStore prepares root for payload storage.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("storage: empty root")
	}
	if err := os.MkdirAll(filepath.Join(root, "groups"), 0o750); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return &FileStore{root: root}, nil
}

func validDigest(sum string) bool {
	if len(sum) != sha1.Size*2 {
		return false
	}
	for _, c := range sum {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (s *FileStore) dir(groupID int64) string {
	return filepath.Join(s.root, "groups", strconv.FormatInt(groupID, 10))
}

// Path returns the location of the group's payload with digest sum.
func (s *FileStore) Path(groupID int64, sum string) string {
	return filepath.Join(s.dir(groupID), sum+payloadExt)
}

// Open opens the group's payload with digest sum. ok is false when the file is missing
// or empty.
func (s *FileStore) Open(groupID int64, sum string) (f *os.File, info fs.FileInfo, ok bool, err error) {
	if !validDigest(sum) {
		return nil, nil, false, ErrBadDigest
	}
	f, err = os.Open(s.Path(groupID, sum))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	info, err = f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, false, err
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		_ = f.Close()
		return nil, nil, false, nil
	}
	return f, info, true, nil
}

// Write streams r into a new payload file named by the SHA-1 hex of its bytes and returns
// that digest. Files of other digests are left alone. Empty input writes nothing and
// reports size 0.
func (s *FileStore) Write(groupID int64, r io.Reader) (sum string, size int64, err error) {
	dir := s.dir(groupID)
	if err = os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", 0, err
	}
	renamed := false
	defer func() {
		if !renamed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	h := sha1.New()
	size, err = io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return "", 0, err
	}
	if size == 0 {
		return "", 0, nil
	}
	if err = tmp.Sync(); err != nil {
		return "", 0, err
	}
	if err = tmp.Close(); err != nil {
		return "", 0, err
	}
	sum = hex.EncodeToString(h.Sum(nil))
	if err = os.Rename(tmp.Name(), s.Path(groupID, sum)); err != nil {
		return "", 0, err
	}
	renamed = true
	return sum, size, nil
}

// Prune deletes every payload of the group except the one with digest keep. An empty
// keep removes them all. In-progress temp files are not touched.
func (s *FileStore) Prune(groupID int64, keep string) (removed int, err error) {
	entries, err := os.ReadDir(s.dir(groupID))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var errList []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, payloadExt) || strings.HasPrefix(name, tempPrefix) {
			continue
		}
		if keep != "" && name == keep+payloadExt {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir(groupID), name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errList = append(errList, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errList...)
}
