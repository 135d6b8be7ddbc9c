// Package storage stages attachment files under the data directory, keyed
// by their SHA-256, until the action that references them is applied.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/logging"
	"github.com/dentaldesk/syncd/internal/models"
	syncpkg "github.com/dentaldesk/syncd/internal/sync"
	"github.com/dentaldesk/syncd/internal/sync/queue"
	"github.com/dentaldesk/syncd/internal/sync/remote"
)

// AttachmentStore keeps a private copy of every attachment a queued action
// references, so the upload does not depend on the UI's temporary files.
// Files live at baseDir/{hash[0:2]}/{hash[2:4]}/{hash}; identical content
// is stored once.
type AttachmentStore struct {
	syncpkg.BaseObserver

	baseDir string
	queue   *queue.SyncQueue

	// mu guards pins and is held while files are released, so a path is
	// either pinned, already queued, or safe to remove.
	mu   sync.Mutex
	pins map[string]int
}

var _ syncpkg.Observer = (*AttachmentStore)(nil)

// NewAttachmentStore creates a store rooted at baseDir. q is consulted
// before a staged file is removed.
func NewAttachmentStore(baseDir string, q *queue.SyncQueue) *AttachmentStore {
	return &AttachmentStore{baseDir: baseDir, queue: q, pins: make(map[string]int)}
}

// CalculateHashFromFile calculates SHA-256 hash of a file.
func CalculateHashFromFile(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Stage copies the attachments of payload into the store and points their
// LocalPath at the copy. Attachments without a LocalPath, or already
// staged, are left alone.
//
// The staged files are pinned until the returned release func is called.
// Callers release once the payload is committed to the queue, or has
// failed to be.
func (s *AttachmentStore) Stage(payload models.Payload) (func(), error) {
	carrier, ok := payload.(models.AttachmentCarrier)
	if !ok {
		return func() {}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var pinned []string
	atts := carrier.Attachments()
	for i := range atts {
		if atts[i].LocalPath == "" {
			continue
		}
		if !s.owns(atts[i].LocalPath) {
			staged, err := s.storeFile(atts[i].LocalPath)
			if err != nil {
				s.unpinLocked(pinned)
				return nil, err
			}
			atts[i].LocalPath = staged
		}
		s.pins[atts[i].LocalPath]++
		pinned = append(pinned, atts[i].LocalPath)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.unpinLocked(pinned)
			s.mu.Unlock()
		})
	}, nil
}

func (s *AttachmentStore) unpinLocked(paths []string) {
	for _, path := range paths {
		s.pins[path]--
		if s.pins[path] <= 0 {
			delete(s.pins, path)
		}
	}
}

// storeFile copies sourcePath into the store and returns the staged path.
func (s *AttachmentStore) storeFile(sourcePath string) (string, error) {
	hash, err := CalculateHashFromFile(sourcePath)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid,
			fmt.Sprintf("read attachment %s", sourcePath), err)
	}

	destPath := s.path(hash)
	if _, err := os.Stat(destPath); err == nil {
		return destPath, nil
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorageUnavailable, "create attachment directory", err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "open attachment", err)
	}
	defer src.Close()

	// Write to a temporary name first so a crash never leaves a partial
	// file under a valid hash.
	tmp, err := os.CreateTemp(filepath.Dir(destPath), hash+".*.tmp")
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorageUnavailable, "create attachment", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", apperrors.Wrap(apperrors.ErrStorageUnavailable, "copy attachment", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", apperrors.Wrap(apperrors.ErrStorageUnavailable, "close attachment", err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		os.Remove(tmp.Name())
		return "", apperrors.Wrap(apperrors.ErrStorageUnavailable, "commit attachment", err)
	}

	logging.Debug("storage: attachment staged", map[string]interface{}{
		"hash":   hash,
		"source": sourcePath,
	})
	return destPath, nil
}

// ActionApplied releases the staged files of an applied action that no
// other queued action still references.
func (s *AttachmentStore) ActionApplied(action *models.QueuedAction, _ *remote.Document) {
	carrier, ok := action.Payload.(models.AttachmentCarrier)
	if !ok || len(carrier.Attachments()) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inUse, err := s.referenced(context.Background())
	if err != nil {
		logging.Warn("storage: keeping attachments, queue unreadable", map[string]interface{}{
			"action_id": action.ID,
			"error":     err.Error(),
		})
		return
	}
	for _, att := range carrier.Attachments() {
		if s.owns(att.LocalPath) && !inUse[att.LocalPath] {
			s.remove(att.LocalPath)
		}
	}
}

// Sweep removes staged files no queued action references, such as those of
// actions discarded by a KeepRemote resolution. It returns how many files
// were removed.
func (s *AttachmentStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inUse, err := s.referenced(ctx)
	if err != nil {
		return 0, err
	}

	var removed int
	err = filepath.WalkDir(s.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.baseDir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || inUse[path] {
			return nil
		}
		// Only content files and abandoned temporaries live here.
		if len(d.Name()) == sha256.Size*2 || strings.HasSuffix(d.Name(), ".tmp") {
			s.remove(path)
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, apperrors.Wrap(apperrors.ErrStorageUnavailable, "sweep attachments", err)
	}
	if removed > 0 {
		logging.Info("storage: swept unreferenced attachments", map[string]interface{}{"removed": removed})
	}
	return removed, nil
}

// referenced returns the pinned paths and the staged paths of every queued
// action. s.mu must be held.
func (s *AttachmentStore) referenced(ctx context.Context) (map[string]bool, error) {
	actions, err := s.queue.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]bool, len(s.pins))
	for path := range s.pins {
		inUse[path] = true
	}
	for _, a := range actions {
		if carrier, ok := a.Payload.(models.AttachmentCarrier); ok {
			for _, att := range carrier.Attachments() {
				inUse[att.LocalPath] = true
			}
		}
	}
	return inUse, nil
}

// remove deletes a staged file and prunes its now empty directories.
func (s *AttachmentStore) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn("storage: remove attachment failed", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
		return
	}
	dir := filepath.Dir(path)
	os.Remove(dir)
	os.Remove(filepath.Dir(dir))
}

// owns reports whether path is inside the store.
func (s *AttachmentStore) owns(path string) bool {
	rel, err := filepath.Rel(s.baseDir, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

func (s *AttachmentStore) path(hash string) string {
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash)
}
