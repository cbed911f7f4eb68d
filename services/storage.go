package services

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"

	"mediaconv/config"

	"github.com/google/uuid"
)

// Location is where a persisted artifact ended up. Local persistence fills
// Path; remote persistence fills Key and URL.
type Location struct {
	Path string
	Key  string
	URL  string
}

type Backend interface {
	Persist(ctx context.Context, localPath, contentType, name string) (Location, error)
}

// ObjectStore is the write side of a remote bucket.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) error
	Delete(ctx context.Context, key string) error
	// URL is the provider's default public URL for key.
	URL(key string) string
}

// LocalStorage moves finished artifacts to their requested output path.
type LocalStorage struct{}

func NewLocalStorage() *LocalStorage {
	return &LocalStorage{}
}

// Persist renames localPath to name, which is the job's output path. Both
// files and directories (uncompressed frame sequences) are supported.
func (s *LocalStorage) Persist(ctx context.Context, localPath, contentType, name string) (Location, error) {
	if name == "" {
		return Location{}, fmt.Errorf("%w: no output path for local storage", ErrIO)
	}
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return Location{}, fmt.Errorf("%w: failed to create output directory: %v", ErrIO, err)
	}
	if err := clearDestination(localPath, name); err != nil {
		return Location{}, err
	}
	if err := os.Rename(localPath, name); err != nil {
		// Rename fails across filesystems, fall back to a copy.
		if err := copyPath(localPath, name); err != nil {
			return Location{}, fmt.Errorf("%w: failed to write %s: %v", ErrIO, name, err)
		}
		os.RemoveAll(localPath)
	}
	return Location{Path: name}, nil
}

// clearDestination makes room for the artifact at dst. A regular file is
// replaced. A directory is only replaced by another frame sequence, and
// only when it holds nothing but frames from an earlier run.
func clearDestination(src, dst string) error {
	info, err := os.Lstat(dst)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: cannot inspect %s: %v", ErrIO, dst, err)
	}
	if !info.IsDir() {
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("%w: failed to replace %s: %v", ErrIO, dst, err)
		}
		return nil
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("%w: output path %s is a directory", ErrIO, dst)
	}
	if !isFrameDir(dst) {
		return fmt.Errorf("%w: output path %s holds files that are not frames", ErrIO, dst)
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("%w: failed to replace %s: %v", ErrIO, dst, err)
	}
	return nil
}

// isFrameDir reports whether dir contains only files named the way the
// frame extractor writes them.
func isFrameDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			return false
		}
		if ok, _ := filepath.Match(FramePattern, entry.Name()); !ok {
			return false
		}
	}
	return true
}

func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := copyPath(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// RemoteStorage uploads artifacts to an object store, deduplicating by
// content digest when enabled.
type RemoteStorage struct {
	cfg   config.StorageConfig
	store ObjectStore
	dedup DedupStore
	// newToken makes keys unique across uploads sharing a filename.
	newToken func() string
}

// NewRemoteStorage builds the remote backend. dedup may be nil when
// deduplication is disabled.
func NewRemoteStorage(cfg config.StorageConfig, store ObjectStore, dedup DedupStore) *RemoteStorage {
	return &RemoteStorage{
		cfg:      cfg,
		store:    store,
		dedup:    dedup,
		newToken: uuid.NewString,
	}
}

func (s *RemoteStorage) dedupEnabled() bool {
	return s.cfg.DedupEnabled && s.dedup != nil
}

func (s *RemoteStorage) Persist(ctx context.Context, localPath, contentType, name string) (Location, error) {
	if !s.cfg.Remote() {
		return Location{}, ErrModeNotEnabled
	}

	digest, err := HashFile(localPath)
	if err != nil {
		return Location{}, err
	}

	if s.dedupEnabled() {
		entry, found, err := s.dedup.Get(ctx, digest)
		if err != nil {
			log.Printf("[Storage] Dedup lookup for %s failed, uploading anyway: %v", digest, err)
		} else if found {
			log.Printf("[Storage] Dedup hit for %s, reusing %s", digest, entry.Key)
			return Location{Key: entry.Key, URL: entry.URL}, nil
		}
	}

	key := s.objectKey(name)
	if err := s.upload(ctx, localPath, key, contentType); err != nil {
		return Location{}, err
	}
	loc := Location{Key: key, URL: s.publicURL(key)}

	if !s.dedupEnabled() {
		return loc, nil
	}

	inserted, err := s.dedup.PutIfAbsent(ctx, digest, DedupEntry{Digest: digest, Key: loc.Key, URL: loc.URL})
	if err != nil {
		log.Printf("[Storage] Dedup insert for %s failed: %v", digest, err)
		return loc, nil
	}
	if inserted {
		return loc, nil
	}
	return s.adoptWinner(ctx, digest, loc), nil
}

// adoptWinner handles losing the insert race: another worker stored the
// same content first, so its location is returned and ours is removed.
func (s *RemoteStorage) adoptWinner(ctx context.Context, digest string, own Location) Location {
	winner, found, err := s.dedup.Get(ctx, digest)
	if err != nil || !found {
		// The winning entry vanished (evicted); keep our own upload.
		return own
	}
	if err := s.store.Delete(ctx, own.Key); err != nil {
		log.Printf("[Storage] Failed to delete duplicate object %s: %v", own.Key, err)
	}
	log.Printf("[Storage] Lost dedup race for %s, using %s", digest, winner.Key)
	return Location{Key: winner.Key, URL: winner.URL}
}

func (s *RemoteStorage) upload(ctx context.Context, localPath, key, contentType string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: failed to open %s: %v", ErrIO, localPath, err)
	}
	defer file.Close()

	if err := s.store.Put(ctx, key, contentType, file); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUpload, key, err)
	}
	return nil
}

func (s *RemoteStorage) objectKey(name string) string {
	return path.Join(s.cfg.PathPrefix, s.newToken(), path.Base(filepath.ToSlash(name)))
}

func (s *RemoteStorage) publicURL(key string) string {
	if s.cfg.PublicURL != "" {
		return s.cfg.PublicURL + "/" + key
	}
	return s.store.URL(key)
}
