package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// filesystemStore maps keys to relative paths under a root directory. A
// metadata sidecar (filename + ".meta") carries content type, size and hash.
// Not concurrent-writer safe beyond per-file creation.
type filesystemStore struct {
	root  string
	nowFn func() time.Time
}

// NewFilesystem returns a store rooted at path, creating it if needed.
func NewFilesystem(root string) (Store, error) {
	if root == "" {
		root = "blobs"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &filesystemStore{
		root:  root,
		nowFn: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (f *filesystemStore) Driver() Driver { return DriverFilesystem }

func (f *filesystemStore) pathFor(key string) (dataPath, metaPath string, err error) {
	if err = validKey(key); err != nil {
		return "", "", err
	}
	clean := filepath.ToSlash(filepath.Clean(key))
	dataPath = filepath.Join(f.root, filepath.FromSlash(clean))
	metaPath = dataPath + ".meta"
	return dataPath, metaPath, nil
}

type fsMeta struct {
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	StoredAt    time.Time `json:"stored_at"`
}

func (m fsMeta) object(key string) Object {
	return Object{
		Ref:         Ref(DriverFilesystem, key),
		Key:         key,
		Size:        m.Size,
		ContentType: m.ContentType,
		SHA256:      m.SHA256,
		StoredAt:    m.StoredAt,
	}
}

func (f *filesystemStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (Object, error) {
	dataPath, metaPath, err := f.pathFor(key)
	if err != nil {
		return Object{}, err
	}
	if _, err := os.Stat(dataPath); err == nil {
		return Object{}, &KeyExistsError{Key: key}
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return Object{}, err
	}
	// Stream through a temp file so the hash and size are known before the
	// object becomes visible under its key.
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".tmp-*")
	if err != nil {
		return Object{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		_ = tmp.Close()
		return Object{}, err
	}
	if err := tmp.Close(); err != nil {
		return Object{}, err
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return Object{}, err
	}
	meta := fsMeta{
		ContentType: contentType,
		Size:        size,
		SHA256:      hex.EncodeToString(h.Sum(nil)),
		StoredAt:    f.nowFn(),
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return Object{}, err
	}
	if err := os.WriteFile(metaPath, payload, 0o644); err != nil {
		return Object{}, err
	}
	return meta.object(key), nil
}

func (f *filesystemStore) readMeta(metaPath string) (fsMeta, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fsMeta{}, ErrNotFound
		}
		return fsMeta{}, err
	}
	var meta fsMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fsMeta{}, err
	}
	return meta, nil
}

func (f *filesystemStore) Get(ctx context.Context, key string) (Object, io.ReadCloser, error) {
	dataPath, metaPath, err := f.pathFor(key)
	if err != nil {
		return Object{}, nil, err
	}
	meta, err := f.readMeta(metaPath)
	if err != nil {
		return Object{}, nil, err
	}
	file, err := os.Open(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Object{}, nil, ErrNotFound
		}
		return Object{}, nil, err
	}
	return meta.object(key), file, nil
}

func (f *filesystemStore) Head(ctx context.Context, key string) (Object, error) {
	_, metaPath, err := f.pathFor(key)
	if err != nil {
		return Object{}, err
	}
	meta, err := f.readMeta(metaPath)
	if err != nil {
		return Object{}, err
	}
	return meta.object(key), nil
}

func (f *filesystemStore) Delete(ctx context.Context, key string) (bool, error) {
	dataPath, metaPath, err := f.pathFor(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dataPath); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(dataPath); err != nil {
		return false, err
	}
	_ = os.Remove(metaPath)
	return true, nil
}

func (f *filesystemStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".meta") {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		meta, err := f.readMeta(path + ".meta")
		if err != nil {
			// data file without sidecar, likely an interrupted write
			return nil
		}
		out = append(out, meta.object(key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
