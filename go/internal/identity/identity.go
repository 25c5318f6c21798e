package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrEmptyIdentity is returned when a stored identity file has no user id.
var ErrEmptyIdentity = errors.New("identity file has no user_id")

// Provider supplies the opaque, stable id that names the local participant
// in every envelope it sends.
type Provider interface {
	UserID() (string, error)
}

// Memory issues one random id per process and keeps it for its lifetime.
type Memory struct {
	once sync.Once
	id   string
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) UserID() (string, error) {
	m.once.Do(func() {
		m.id = uuid.NewString()
	})
	return m.id, nil
}

type fileContents struct {
	UserID string `yaml:"user_id"`
}

// File keeps the id in a YAML file so a participant that restarts the client
// with the same path rejoins under the same id.
type File struct {
	path string

	mu sync.Mutex
	id string
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

func (f *File) UserID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.id != "" {
		return f.id, nil
	}

	id, err := f.load()
	switch {
	case err == nil:
		f.id = id
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", err
	}

	id = uuid.NewString()
	if err := f.save(id); err != nil {
		return "", err
	}
	log.Info().Str("path", f.path).Str("user_id", id).Msg("created new identity")

	f.id = id
	return id, nil
}

func (f *File) load() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("failed to read identity file: %w", err)
	}

	var contents fileContents
	if err := yaml.Unmarshal(data, &contents); err != nil {
		return "", fmt.Errorf("failed to parse identity file %s: %w", f.path, err)
	}
	if contents.UserID == "" {
		return "", fmt.Errorf("%s: %w", f.path, ErrEmptyIdentity)
	}
	return contents.UserID, nil
}

func (f *File) save(id string) error {
	data, err := yaml.Marshal(fileContents{UserID: id})
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create identity directory: %w", err)
		}
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}
