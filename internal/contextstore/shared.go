package contextstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MergeFunc receives the current body (nil when the document does not exist yet)
// and returns the new one.
type MergeFunc func(current []byte) ([]byte, error)

const lockPollInterval = 10 * time.Millisecond

func sharedRef(key string) string { return sharedDir + "/" + key + ".md" }

func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.keyLocks[key] = m
	}
	return m
}

// UpdateSharedDocument applies merge to the named document while holding its
// lock, so concurrent writers in this or other processes never lose updates.
// It returns the new version number.
func (s *Store) UpdateSharedDocument(ctx context.Context, key string, merge MergeFunc) (int, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}
	m := s.keyLock(key)
	m.Lock()
	defer m.Unlock()

	unlock, err := s.acquireFileLock(ctx, key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	ref := sharedRef(key)
	var current []byte
	meta := Metadata{Kind: KindShared, Key: key}
	doc, err := s.readDocument(ref)
	switch {
	case err == nil:
		current = doc.Body
		meta = doc.Meta
	case errors.Is(err, ErrArtifactNotFound):
	default:
		return 0, err
	}

	next, err := merge(current)
	if err != nil {
		return 0, fmt.Errorf("merge %s: %w", key, err)
	}
	meta.Version++
	meta.CreatedAt = s.now()
	data, err := WriteFrontMatter(meta, next)
	if err != nil {
		return 0, err
	}
	if err := s.replace(ref, data); err != nil {
		return 0, err
	}
	log.Debug().Str("component", "contextstore").Str("key", key).Int("version", meta.Version).Msg("shared document updated")
	return meta.Version, nil
}

// ReadSharedDocument returns the latest committed version of a shared document.
func (s *Store) ReadSharedDocument(key string) (Document, error) {
	if err := validKey(key); err != nil {
		return Document{}, err
	}
	return s.readDocument(sharedRef(key))
}

// acquireFileLock creates shared/<key>.lock exclusively and keeps its mtime
// fresh until released. Locks not refreshed within the stale age are broken.
func (s *Store) acquireFileLock(ctx context.Context, key string) (func(), error) {
	lockPath := s.path(sharedDir + "/" + key + ".lock")
	token := uuid.NewString()
	deadline := time.Now().Add(s.lockTimeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.WriteString(token)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(lockPath)
				return nil, errors.Join(werr, cerr)
			}
			stop := s.refreshFileLock(key, lockPath, token)
			return func() {
				stop()
				s.releaseFileLock(lockPath, token)
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if s.breakStaleLock(key, lockPath) {
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// refreshFileLock touches the lock every third of the stale age so a slow
// merge is never mistaken for a dead writer. The returned func stops it.
func (s *Store) refreshFileLock(key, lockPath, token string) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(max(s.staleLockAge/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !s.ownsLock(lockPath, token) {
					log.Warn().Str("component", "contextstore").Str("key", key).Msg("document lock lost while held")
					return
				}
				now := time.Now()
				if err := os.Chtimes(lockPath, now, now); err != nil {
					log.Warn().Err(err).Str("component", "contextstore").Str("key", key).Msg("refresh document lock")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// breakStaleLock moves a stale lock aside under a unique name and deletes it
// only if the moved file is still the stale lock that was observed. A lock that
// was refreshed or replaced in the meantime is put back. It reports whether the
// caller should retry the create immediately.
func (s *Store) breakStaleLock(key, lockPath string) bool {
	info, err := os.Stat(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil || !s.isStale(info) {
		return false
	}
	staleToken, err := os.ReadFile(lockPath)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	moved := s.path(tmpDir + "/" + key + ".lock-" + uuid.NewString())
	if err := os.Rename(lockPath, moved); err != nil {
		// Another writer broke or released it first.
		return errors.Is(err, fs.ErrNotExist)
	}
	movedToken, rerr := os.ReadFile(moved)
	movedInfo, serr := os.Stat(moved)
	if rerr == nil && serr == nil && string(movedToken) == string(staleToken) && s.isStale(movedInfo) {
		log.Warn().Str("component", "contextstore").Str("key", key).Msg("breaking stale document lock")
		os.Remove(moved)
		return true
	}
	// Link never replaces an existing file, so a lock taken since the rename survives.
	if err := os.Link(moved, lockPath); err != nil {
		log.Warn().Err(err).Str("component", "contextstore").Str("key", key).Msg("restore live document lock")
	}
	os.Remove(moved)
	return false
}

func (s *Store) isStale(info fs.FileInfo) bool {
	return time.Since(info.ModTime()) > s.staleLockAge
}

func (s *Store) ownsLock(lockPath, token string) bool {
	data, err := os.ReadFile(lockPath)
	return err == nil && string(data) == token
}

// releaseFileLock removes the lock only if it still carries our token.
func (s *Store) releaseFileLock(lockPath, token string) {
	if s.ownsLock(lockPath, token) {
		os.Remove(lockPath)
	}
}
