package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const entryExt = ".entry"

// FilesystemStorage implements Storage using the local filesystem.
// Each store is a directory under baseDir holding one file per entry.
type FilesystemStorage struct {
	baseDir string
	locker  *Locker
}

// NewFilesystemStorage creates a new filesystem-based storage at the given directory.
func NewFilesystemStorage(baseDir string) *FilesystemStorage {
	locksDir := filepath.Join(baseDir, ".locks")
	return &FilesystemStorage{
		baseDir: baseDir,
		locker:  NewLocker(locksDir),
	}
}

// storeDir returns the directory path for a store.
func (s *FilesystemStorage) storeDir(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid store name %q", name)
	}
	return filepath.Join(s.baseDir, url.PathEscape(name)), nil
}

// Open returns the named store, creating its directory if needed.
func (s *FilesystemStorage) Open(ctx context.Context, name string) (Cache, error) {
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &filesystemCache{storage: s, name: name, dir: dir}, nil
}

// Has reports whether the store directory exists.
func (s *FilesystemStorage) Has(ctx context.Context, name string) (bool, error) {
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat store directory: %w", err)
	}
	return info.IsDir(), nil
}

// Keys returns the store names found under the base directory, sorted.
func (s *FilesystemStorage) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the store directory once no writer holds the store.
func (s *FilesystemStorage) Delete(ctx context.Context, name string) (bool, error) {
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}

	unlock, err := s.locker.AcquireExclusive(ctx, storeLockName(name))
	if err != nil {
		return false, fmt.Errorf("failed to acquire store lock: %w", err)
	}
	defer unlock()

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to remove store %s: %w", name, err)
	}
	return true, nil
}

// createTempFile writes data to a new file under the storage's .tmp directory.
func (s *FilesystemStorage) createTempFile(data []byte) (string, error) {
	tmpBase := filepath.Join(s.baseDir, ".tmp")
	if err := os.MkdirAll(tmpBase, 0755); err != nil {
		return "", err
	}

	f, err := os.CreateTemp(tmpBase, "entry-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

type filesystemCache struct {
	storage *FilesystemStorage
	name    string
	dir     string
}

// Name returns the store name.
func (c *filesystemCache) Name() string { return c.name }

func keyHash(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(sum[:])
}

func (c *filesystemCache) entryPath(key Key) string {
	return filepath.Join(c.dir, keyHash(key)+entryExt)
}

func storeLockName(name string) string {
	return "store-" + name
}

func (c *filesystemCache) lockName(key Key) string {
	return "entry-" + c.name + "-" + keyHash(key)[:16]
}

// holdStore keeps the store from being deleted while an entry is written.
// It fails with ErrStoreDeleted when the store is already gone.
func (c *filesystemCache) holdStore(ctx context.Context) (func() error, error) {
	unlock, err := c.storage.locker.AcquireShared(ctx, storeLockName(c.name))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if _, err := os.Stat(c.dir); err != nil {
		unlock()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrStoreDeleted
		}
		return nil, fmt.Errorf("failed to stat store directory: %w", err)
	}
	return unlock, nil
}

// Match reads the entry file for key. Returns nil if there is none.
func (c *filesystemCache) Match(ctx context.Context, key Key) (*Entry, error) {
	data, err := os.ReadFile(c.entryPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	return decodeEntry(data)
}

// Put stages entry in a temp file and renames it into place.
func (c *filesystemCache) Put(ctx context.Context, entry *Entry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	tmp, err := c.storage.createTempFile(data)
	if err != nil {
		return fmt.Errorf("failed to stage entry: %w", err)
	}

	release, err := c.holdStore(ctx)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	defer release()

	unlock, err := c.storage.locker.AcquireExclusive(ctx, c.lockName(entry.Key))
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to acquire entry lock: %w", err)
	}
	defer unlock()

	// Atomic rename from temp to final location
	if err := os.Rename(tmp, c.entryPath(entry.Key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move entry into store: %w", err)
	}
	return nil
}

type stagedEntry struct {
	tmp    string
	path   string
	backup string
}

// PutAll stages every entry, then commits them all or rolls back.
func (c *filesystemCache) PutAll(ctx context.Context, entries []*Entry) error {
	// Last entry wins for duplicate keys.
	byPath := make(map[string]*Entry, len(entries))
	locks := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		byPath[c.entryPath(e.Key)] = e
		locks[c.lockName(e.Key)] = struct{}{}
	}

	staged := make([]*stagedEntry, 0, len(byPath))
	discard := func() {
		for _, st := range staged {
			os.Remove(st.tmp)
		}
	}
	for path, e := range byPath {
		data, err := encodeEntry(e)
		if err != nil {
			discard()
			return err
		}
		tmp, err := c.storage.createTempFile(data)
		if err != nil {
			discard()
			return fmt.Errorf("failed to stage entry: %w", err)
		}
		staged = append(staged, &stagedEntry{tmp: tmp, path: path})
	}

	release, err := c.holdStore(ctx)
	if err != nil {
		discard()
		return err
	}
	defer release()

	// Lock in sorted order so concurrent batches cannot deadlock.
	names := make([]string, 0, len(locks))
	for name := range locks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		unlock, err := c.storage.locker.AcquireExclusive(ctx, name)
		if err != nil {
			discard()
			return fmt.Errorf("failed to acquire entry lock: %w", err)
		}
		defer unlock()
	}

	for i, st := range staged {
		if err := c.commit(st); err != nil {
			rollback(staged[:i])
			discard()
			return fmt.Errorf("failed to move entry into store: %w", err)
		}
	}
	for _, st := range staged {
		if st.backup != "" {
			os.Remove(st.backup)
		}
	}
	return nil
}

// commit moves a staged entry into place, keeping the previous file as a backup.
func (c *filesystemCache) commit(st *stagedEntry) error {
	if _, err := os.Stat(st.path); err == nil {
		backup := st.tmp + ".bak"
		if err := os.Rename(st.path, backup); err != nil {
			return err
		}
		st.backup = backup
	}
	if err := os.Rename(st.tmp, st.path); err != nil {
		if st.backup != "" {
			os.Rename(st.backup, st.path)
			st.backup = ""
		}
		return err
	}
	return nil
}

// rollback undoes committed entries in reverse order.
func rollback(done []*stagedEntry) {
	for i := len(done) - 1; i >= 0; i-- {
		st := done[i]
		os.Remove(st.path)
		if st.backup != "" {
			os.Rename(st.backup, st.path)
		}
	}
}

// Delete removes the entry file for key.
func (c *filesystemCache) Delete(ctx context.Context, key Key) (bool, error) {
	release, err := c.holdStore(ctx)
	if errors.Is(err, ErrStoreDeleted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer release()

	unlock, err := c.storage.locker.AcquireExclusive(ctx, c.lockName(key))
	if err != nil {
		return false, fmt.Errorf("failed to acquire entry lock: %w", err)
	}
	defer unlock()

	err = os.Remove(c.entryPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to remove entry: %w", err)
	}
	return true, nil
}

// Keys returns the keys of all entry files, sorted.
func (c *filesystemCache) Keys(ctx context.Context) ([]Key, error) {
	files, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Key{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	keys := make([]Key, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), entryExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, f.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read entry: %w", err)
		}
		e, err := decodeEntry(data)
		if err != nil {
			return nil, err
		}
		keys = append(keys, e.Key)
	}
	sortKeys(keys)
	return keys, nil
}
