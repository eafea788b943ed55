package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/trackside-telemetry/pipeline/internal/fileutils"
)

// metadataSuffix is appended to an object path to name its metadata sidecar.
const metadataSuffix = ".metadata.json"

// Filesystem writes objects below a local directory.
type Filesystem struct {
	root string
}

type sidecar struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata"`
}

// NewFilesystem returns a backend writing below root, creating it if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		return nil, fmt.Errorf("filesystem backend needs a root directory")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("could not create storage directory: %v", err)
	}
	return &Filesystem{root: root}, nil
}

// Bucket returns the root directory.
func (f *Filesystem) Bucket() string {
	return f.root
}

// Path returns where the object named key is written.
func (f *Filesystem) Path(key string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("object key %q escapes the storage directory", key)
	}
	return filepath.Join(f.root, filepath.FromSlash(key)), nil
}

// Put atomically writes the metadata sidecar of obj, then its body.
// When the body cannot be written, the sidecar is removed.
func (f *Filesystem) Put(ctx context.Context, obj Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := f.Path(obj.Key)
	if err != nil {
		return err
	}
	meta, err := json.MarshalIndent(sidecar{ContentType: obj.ContentType, Metadata: obj.Metadata}, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal object metadata: %v", err)
	}

	if err := fileutils.AtomicWrite(path+metadataSuffix, meta); err != nil {
		return fmt.Errorf("failed to write metadata of object %q: %v", obj.Key, err)
	}
	if err := fileutils.AtomicWrite(path, obj.Body); err != nil {
		if rmErr := os.Remove(path + metadataSuffix); rmErr != nil {
			slog.Warn("Failed to remove metadata of unwritten object", "key", obj.Key, "err", rmErr)
		}
		return fmt.Errorf("failed to write object %q: %v", obj.Key, err)
	}
	return nil
}

// ReadMetadata returns the metadata written alongside the object named key.
func (f *Filesystem) ReadMetadata(key string) (map[string]string, error) {
	path, err := f.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path + metadataSuffix)
	if err != nil {
		return nil, err
	}
	var s sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid metadata sidecar: %v", err)
	}
	return s.Metadata, nil
}
