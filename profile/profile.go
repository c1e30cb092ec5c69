// Package profile persists the per-conversation user profile: a
// single text blob that is overwritten whole on every update. Prior
// versions survive only in the journal.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kbmem/kbmem-go/article"
)

// Store reads and writes profile text per conversation.
type Store interface {
	Load(conversationID string) (string, error)
	Save(conversationID, text string) error
}

// FileStore keeps one text file per conversation under a root
// directory. Writes go through a temp file and rename so a crash can
// never leave a half-written profile.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create profile dir: %v", article.ErrPersistence, err)
	}
	return &FileStore{root: root}, nil
}

// Load returns the stored profile, or "" when none exists yet.
func (s *FileStore) Load(conversationID string) (string, error) {
	data, err := os.ReadFile(s.path(conversationID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: read profile: %v", article.ErrPersistence, err)
	}
	return string(data), nil
}

// Save overwrites the profile atomically.
func (s *FileStore) Save(conversationID, text string) error {
	path := s.path(conversationID)
	tmp, err := os.CreateTemp(s.root, ".profile-*")
	if err != nil {
		return fmt.Errorf("%w: create temp profile: %v", article.ErrPersistence, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write profile: %v", article.ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close profile: %v", article.ErrPersistence, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename profile: %v", article.ErrPersistence, err)
	}
	return nil
}

// path sanitizes the conversation ID into a file name.
func (s *FileStore) path(conversationID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, conversationID)
	return filepath.Join(s.root, name+".txt")
}
