package contextstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("contextstore: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("contextstore: malformed frontmatter")
)

const timeLayout = time.RFC3339Nano

// Metadata is the header stored above every document body.
type Metadata struct {
	Kind      string
	Key       string
	TaskID    string
	From      string
	Version   int
	CreatedAt time.Time
	Checksum  string
}

type envelope struct {
	Agentflow header `yaml:"agentflow"`
}

type header struct {
	Kind     string `yaml:"kind"`
	Key      string `yaml:"key"`
	TaskID   string `yaml:"task_id,omitempty"`
	From     string `yaml:"from,omitempty"`
	Version  int    `yaml:"version,omitempty"`
	Created  string `yaml:"created"`
	Checksum string `yaml:"checksum"`
}

// ParseFrontMatter splits a stored document into its metadata and body and
// verifies the body checksum.
func ParseFrontMatter(content []byte) (Metadata, []byte, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Metadata{}, nil, ErrMalformedFrontMatter
	}
	var env envelope
	if err := yaml.Unmarshal(parts[0], &env); err != nil {
		return Metadata{}, nil, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	h := env.Agentflow
	created, err := time.Parse(timeLayout, h.Created)
	if err != nil {
		return Metadata{}, nil, fmt.Errorf("%w: created: %v", ErrMalformedFrontMatter, err)
	}
	body := bytes.TrimPrefix(parts[1], []byte("\n"))
	if sum := checksum(body); h.Checksum != "" && sum != h.Checksum {
		return Metadata{}, nil, fmt.Errorf("contextstore: checksum mismatch for %s", h.Key)
	}
	return Metadata{
		Kind:      h.Kind,
		Key:       h.Key,
		TaskID:    h.TaskID,
		From:      h.From,
		Version:   h.Version,
		CreatedAt: created,
		Checksum:  h.Checksum,
	}, body, nil
}

// WriteFrontMatter renders metadata and body with YAML fences. The checksum is
// always recomputed from body.
func WriteFrontMatter(meta Metadata, body []byte) ([]byte, error) {
	if meta.Key == "" {
		return nil, fmt.Errorf("contextstore: metadata missing key")
	}
	env := envelope{Agentflow: header{
		Kind:     meta.Kind,
		Key:      meta.Key,
		TaskID:   meta.TaskID,
		From:     meta.From,
		Version:  meta.Version,
		Created:  meta.CreatedAt.UTC().Format(timeLayout),
		Checksum: checksum(body),
	}}
	data, err := yaml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("contextstore: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}
