package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/joshdurbin/strava-mirror/internal/logging"
)

// Store persists tokens keyed by client id.
//
// Read never fails: a missing or unreadable backing store reads as empty
// so a damaged token file forces re-authorization instead of a crash.
// Save with a nil token removes the entry and returns the resulting mapping.
type Store interface {
	Read(ctx context.Context) Tokens
	Save(ctx context.Context, clientID string, token *TokenRecord) (Tokens, error)
}

// Load returns the token stored for clientID or ErrNoToken.
func Load(ctx context.Context, s Store, clientID string) (*TokenRecord, error) {
	token, ok := s.Read(ctx).Get(clientID)
	if !ok {
		return nil, ErrNoToken
	}
	return token, nil
}

// FileStore keeps the whole mapping in one JSON document. Writes replace
// the file through a rename so readers never observe a partial document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by path. The file is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Read(_ context.Context) Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *FileStore) Save(_ context.Context, clientID string, token *TokenRecord) (Tokens, error) {
	if clientID == "" {
		return nil, errors.New("client id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := s.readLocked()
	if token == nil {
		delete(tokens, clientID)
	} else {
		tokens[clientID] = Entry{Token: token.Clone()}
	}

	if err := s.writeLocked(tokens); err != nil {
		return nil, err
	}
	return tokens.Clone(), nil
}

func (s *FileStore) readLocked() Tokens {
	log := logging.Logger

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("path", s.path).Msg("token file unreadable, treating as empty")
		}
		return Tokens{}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Tokens{}
	}

	var tokens Tokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("token file is not valid JSON, treating as empty")
		return Tokens{}
	}
	if tokens == nil {
		tokens = Tokens{}
	}
	return tokens
}

func (s *FileStore) writeLocked(tokens Tokens) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tokens: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating token directory: %w", err)
		}
	}

	tmpFile := s.path + ".tmp"
	file, err := os.OpenFile(tmpFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpFile)
		return fmt.Errorf("writing tokens: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpFile)
		return fmt.Errorf("syncing tokens: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("closing temp token file: %w", err)
	}

	if err := os.Rename(tmpFile, s.path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}
