// Package inmemory provides a volatile, heap-backed storage driver. It is
// intended for testing and for pull-through caches that can afford to lose
// their contents on restart.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	storagedriver "github.com/stevedore-project/stevedore/storage/driver"
	"github.com/stevedore-project/stevedore/storage/driver/factory"
)

const driverName = "inmemory"

func init() {
	factory.Register(driverName, &inMemoryDriverFactory{})
}

// inMemoryDriverFactory implements the factory.StorageDriverFactory interface.
type inMemoryDriverFactory struct{}

func (f *inMemoryDriverFactory) Create(_ map[string]interface{}) (storagedriver.StorageDriver, error) {
	return New(), nil
}

type entry struct {
	data    []byte
	modTime time.Time
}

// Driver is a storagedriver.StorageDriver implementation backed by a simple
// in-process map. All operations hold the driver mutex, so it is safe for
// concurrent use but does not scale past a single process.
type Driver struct {
	mu    sync.RWMutex
	files map[string]*entry
}

var _ storagedriver.StorageDriver = &Driver{}

// New constructs a new, empty Driver.
func New() *Driver {
	return &Driver{files: make(map[string]*entry)}
}

// Name implements the storagedriver.StorageDriver interface.
func (d *Driver) Name() string {
	return driverName
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *Driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
	}
	buf := make([]byte, len(e.data))
	copy(buf, e.data)
	return buf, nil
}

// PutContent stores the []byte content at a location designated by "path".
func (d *Driver) PutContent(ctx context.Context, path string, contents []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, len(contents))
	copy(buf, contents)
	d.files[path] = &entry{data: buf, modTime: time.Now()}
	return nil
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a
// given byte offset.
func (d *Driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset, DriverName: driverName}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
	}
	if offset > int64(len(e.data)) {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset, DriverName: driverName}
	}

	buf := make([]byte, int64(len(e.data))-offset)
	copy(buf, e.data[offset:])
	return io.NopCloser(bytes.NewReader(buf)), nil
}

// Writer returns a FileWriter which will store the content written to it at
// the location designated by "path" after the call to Commit.
func (d *Driver) Writer(ctx context.Context, path string, append bool) (storagedriver.FileWriter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf []byte
	if append {
		if e, ok := d.files[path]; ok {
			buf = make([]byte, len(e.data))
			copy(buf, e.data)
		}
	}
	return &writer{d: d, path: path, buf: buf}, nil
}

// Stat returns info about the provided path.
func (d *Driver) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if e, ok := d.files[path]; ok {
		return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
			Path:    path,
			Size:    int64(len(e.data)),
			ModTime: e.modTime,
		}}, nil
	}

	// A path with stored descendants is a directory.
	prefix := strings.TrimSuffix(path, "/") + "/"
	for p := range d.files {
		if strings.HasPrefix(p, prefix) || path == "/" {
			return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
				Path:  path,
				IsDir: true,
			}}, nil
		}
	}

	return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
}

// List returns a list of the objects that are direct descendants of the given
// path.
func (d *Driver) List(ctx context.Context, path string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	prefix := strings.TrimSuffix(path, "/") + "/"
	if path == "/" {
		prefix = "/"
	}

	children := make(map[string]struct{})
	for p := range d.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[:idx]
		}
		children[prefix+rest] = struct{}{}
	}

	if len(children) == 0 {
		if _, ok := d.files[path]; !ok {
			return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
		}
	}

	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Move moves an object stored at sourcePath to destPath, removing the
// original object.
func (d *Driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.files[sourcePath]
	if !ok {
		return storagedriver.PathNotFoundError{Path: sourcePath, DriverName: driverName}
	}
	delete(d.files, sourcePath)
	d.files[destPath] = &entry{data: e.data, modTime: time.Now()}
	return nil
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
func (d *Driver) Delete(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	prefix := strings.TrimSuffix(path, "/") + "/"
	deleted := false
	if _, ok := d.files[path]; ok {
		delete(d.files, path)
		deleted = true
	}
	for p := range d.files {
		if strings.HasPrefix(p, prefix) {
			delete(d.files, p)
			deleted = true
		}
	}
	if !deleted {
		return storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
	}
	return nil
}

// URLFor is unsupported; in-memory contents are only reachable through the
// registry itself.
func (d *Driver) URLFor(ctx context.Context, path string, options map[string]interface{}) (string, error) {
	return "", storagedriver.ErrUnsupportedMethod{DriverName: driverName}
}

type writer struct {
	d         *Driver
	path      string
	buf       []byte
	closed    bool
	committed bool
	cancelled bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("already closed")
	} else if w.committed {
		return 0, fmt.Errorf("already committed")
	} else if w.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *writer) Size() int64 {
	return int64(len(w.buf))
}

func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true
	return nil
}

func (w *writer) Cancel(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	}
	w.cancelled = true
	w.buf = nil
	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	} else if w.cancelled {
		return fmt.Errorf("already cancelled")
	}
	w.committed = true

	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	buf := make([]byte, len(w.buf))
	copy(buf, w.buf)
	w.d.files[w.path] = &entry{data: buf, modTime: time.Now()}
	return nil
}
