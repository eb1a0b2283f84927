// Package contextstore is the filesystem area agents use to share results:
// immutable task output artifacts, broadcast notes, mutable shared documents,
// and per-task process logs.
//
// Layout under the root directory:
//
//	tasks/<task_id>.md      published task outputs (write once)
//	shared/<key>.md         shared documents, guarded by shared/<key>.lock
//	broadcast/<ns>-<id>.md  broadcast notes (write once)
//	logs/<task_id>.log      process output of every attempt
//	tmp/                    staging area for atomic publication
package contextstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrArtifactExists   = errors.New("artifact already exists")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrLockTimeout      = errors.New("timed out waiting for document lock")
	ErrInvalidKey       = errors.New("invalid context key")
)

const (
	KindTaskOutput = "task_output"
	KindShared     = "shared_document"
	KindBroadcast  = "broadcast"
)

const (
	tasksDir     = "tasks"
	sharedDir    = "shared"
	broadcastDir = "broadcast"
	logsDir      = "logs"
	tmpDir       = "tmp"
)

// Document is one artifact as read back from the store.
type Document struct {
	Ref  string   `json:"ref"`
	Meta Metadata `json:"meta"`
	Body []byte   `json:"body"`
}

type Store struct {
	root         string
	now          func() time.Time
	lockTimeout  time.Duration
	staleLockAge time.Duration

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// Option customizes a Store during construction.
type Option func(*Store)

// WithClock overrides the clock used for metadata timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.now = clock }
}

// WithLockTimeout bounds how long UpdateSharedDocument waits for the lock file.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithStaleLockAge sets the age after which a lock file left by a dead writer is broken.
func WithStaleLockAge(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleLockAge = d
		}
	}
}

// New creates the directory layout under root.
func New(root string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("contextstore: root is required")
	}
	s := &Store{
		root:         root,
		now:          time.Now,
		lockTimeout:  10 * time.Second,
		staleLockAge: 2 * time.Minute,
		keyLocks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{tasksDir, sharedDir, broadcastDir, logsDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("contextstore: create %s: %w", dir, err)
		}
	}
	s.sweepTemp()
	return s, nil
}

func (s *Store) Root() string { return s.root }

// sweepTemp removes staging files abandoned by a crashed writer.
func (s *Store) sweepTemp() {
	entries, err := os.ReadDir(filepath.Join(s.root, tmpDir))
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.staleLockAge)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(s.root, tmpDir, e.Name()))
	}
}

func validKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.HasPrefix(key, ".") ||
		strings.ContainsAny(key, `/\`) || strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// TaskOutputRef is the artifact reference for a task's output.
func TaskOutputRef(taskID string) string {
	return tasksDir + "/" + taskID + ".md"
}

func (s *Store) path(ref string) string {
	return filepath.Join(s.root, filepath.FromSlash(ref))
}

// PublishArtifact writes a task's output once. Readers either see nothing or the
// complete document; a second publish for the same task returns ErrArtifactExists.
func (s *Store) PublishArtifact(taskID string, content []byte) (string, error) {
	if err := validKey(taskID); err != nil {
		return "", err
	}
	ref := TaskOutputRef(taskID)
	data, err := WriteFrontMatter(Metadata{
		Kind:      KindTaskOutput,
		Key:       taskID,
		TaskID:    taskID,
		CreatedAt: s.now(),
	}, content)
	if err != nil {
		return "", err
	}
	if err := s.publishOnce(ref, data); err != nil {
		return "", err
	}
	log.Debug().Str("component", "contextstore").Str("task_id", taskID).Str("ref", ref).Msg("artifact published")
	return ref, nil
}

// ReadArtifact returns the output published by taskID.
func (s *Store) ReadArtifact(taskID string) (Document, error) {
	if err := validKey(taskID); err != nil {
		return Document{}, err
	}
	return s.readDocument(TaskOutputRef(taskID))
}

func (s *Store) readDocument(ref string) (Document, error) {
	data, err := os.ReadFile(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return Document{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	if err != nil {
		return Document{}, err
	}
	meta, body, err := ParseFrontMatter(data)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", ref, err)
	}
	return Document{Ref: ref, Meta: meta, Body: body}, nil
}

// stage writes data to a synced temp file inside the store and returns its path.
func (s *Store) stage(data []byte) (string, error) {
	tmp := filepath.Join(s.root, tmpDir, uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// publishOnce links a staged file under its final name without ever replacing
// an existing one.
func (s *Store) publishOnce(ref string, data []byte) error {
	tmp, err := s.stage(data)
	if err != nil {
		return fmt.Errorf("stage %s: %w", ref, err)
	}
	defer os.Remove(tmp)

	final := s.path(ref)
	err = os.Link(tmp, final)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrArtifactExists, ref)
	}
	// Filesystems without hard links fall back to check-then-rename; the unique
	// writer per artifact keeps this safe.
	if _, statErr := os.Stat(final); statErr == nil {
		return fmt.Errorf("%w: %s", ErrArtifactExists, ref)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publish %s: %w", ref, err)
	}
	return nil
}

// replace atomically swaps a staged file into place, overwriting the old version.
func (s *Store) replace(ref string, data []byte) error {
	tmp, err := s.stage(data)
	if err != nil {
		return fmt.Errorf("stage %s: %w", ref, err)
	}
	if err := os.Rename(tmp, s.path(ref)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", ref, err)
	}
	return nil
}

// Broadcast appends an immutable note visible to every later task that asks for broadcasts.
func (s *Store) Broadcast(from, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("broadcast text is required")
	}
	now := s.now()
	id := uuid.NewString()
	ref := fmt.Sprintf("%s/%020d-%s.md", broadcastDir, now.UnixNano(), id)
	data, err := WriteFrontMatter(Metadata{
		Kind:      KindBroadcast,
		Key:       id,
		From:      from,
		CreatedAt: now,
	}, []byte(text))
	if err != nil {
		return "", err
	}
	if err := s.publishOnce(ref, data); err != nil {
		return "", err
	}
	return ref, nil
}

// Broadcasts returns every note, oldest first.
func (s *Store) Broadcasts() ([]Document, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, broadcastDir))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	docs := make([]Document, 0, len(names))
	for _, name := range names {
		doc, err := s.readDocument(broadcastDir + "/" + name)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// RemoveBroadcastsBefore deletes notes created before cutoff.
func (s *Store) RemoveBroadcastsBefore(cutoff time.Time) (int, error) {
	docs, err := s.Broadcasts()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, d := range docs {
		if !d.Meta.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.path(d.Ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// RemoveTask deletes a task's output artifact and its log. Missing files are ignored.
func (s *Store) RemoveTask(taskID string) error {
	if err := validKey(taskID); err != nil {
		return err
	}
	var errs []error
	for _, p := range []string{s.path(TaskOutputRef(taskID)), s.logPath(taskID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
