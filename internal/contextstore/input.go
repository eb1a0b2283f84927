package contextstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentflow/internal/domain"
)

// Resolve reads every referenced document in order. A broadcast ref expands
// to all notes. Missing artifacts fail with ErrArtifactNotFound.
func (s *Store) Resolve(refs []domain.ContextRef) ([]Document, error) {
	var docs []Document
	for _, ref := range refs {
		if err := ref.Validate(); err != nil {
			return nil, err
		}
		switch ref.Kind {
		case domain.ContextTaskOutput:
			doc, err := s.ReadArtifact(ref.Key)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		case domain.ContextSharedDocument:
			doc, err := s.ReadSharedDocument(ref.Key)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		case domain.ContextBroadcast:
			notes, err := s.Broadcasts()
			if err != nil {
				return nil, err
			}
			docs = append(docs, notes...)
		}
	}
	return docs, nil
}

// BuildInput merges a task description with its resolved context into the text
// handed to the worker process.
func BuildInput(description string, docs []Document) string {
	if len(docs) == 0 {
		return description
	}
	var b strings.Builder
	b.WriteString(description)
	b.WriteString("\n\n# Context\n")
	for _, d := range docs {
		switch d.Meta.Kind {
		case KindTaskOutput:
			fmt.Fprintf(&b, "\n## Output of task %s\n\n", d.Meta.TaskID)
		case KindShared:
			fmt.Fprintf(&b, "\n## Shared document %s (v%d)\n\n", d.Meta.Key, d.Meta.Version)
		case KindBroadcast:
			from := d.Meta.From
			if from == "" {
				from = "operator"
			}
			fmt.Fprintf(&b, "\n## Broadcast from %s at %s\n\n", from, d.Meta.CreatedAt.UTC().Format(time.RFC3339))
		default:
			fmt.Fprintf(&b, "\n## %s\n\n", d.Ref)
		}
		b.Write(d.Body)
		if len(d.Body) > 0 && d.Body[len(d.Body)-1] != '\n' {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (s *Store) logPath(taskID string) string {
	return filepath.Join(s.root, logsDir, taskID+".log")
}

// OpenLog opens the append-only process log of a task and writes an attempt header.
func (s *Store) OpenLog(taskID string, attempt int) (io.WriteCloser, error) {
	if err := validKey(taskID); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.logPath(taskID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "=== attempt %d at %s ===\n", attempt, s.now().UTC().Format(time.RFC3339)); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// ReadLog returns the full process log of a task.
func (s *Store) ReadLog(taskID string) ([]byte, error) {
	if err := validKey(taskID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.logPath(taskID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: log for %s", ErrArtifactNotFound, taskID)
	}
	return data, err
}
