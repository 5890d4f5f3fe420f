package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/icssc/auth/internal/oauth"
)

// clientsFile is the on-disk layout of the clients YAML file.
type clientsFile struct {
	Clients []oauth.Client `yaml:"clients"`
}

// FileClientSource reads clients from a YAML file, re-reading it when the
// modification time changes.
type FileClientSource struct {
	filePath    string
	clients     []oauth.Client
	lastModTime time.Time
	mu          sync.RWMutex
}

// NewFileClientSource creates a file-backed client source. The file is read
// lazily on the first LoadClients.
func NewFileClientSource(filePath string) *FileClientSource {
	return &FileClientSource{filePath: filePath}
}

// LoadClients returns the clients in the file.
func (s *FileClientSource) LoadClients(context.Context) ([]oauth.Client, error) {
	if err := s.checkAndReload(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]oauth.Client, len(s.clients))
	copy(out, s.clients)
	return out, nil
}

// SaveClients replaces the file's contents, sorted by client id.
func (s *FileClientSource) SaveClients(clients []oauth.Client) error {
	sorted := make([]oauth.Client, len(clients))
	copy(sorted, clients)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ClientID < sorted[j].ClientID
	})

	data, err := yaml.Marshal(clientsFile{Clients: sorted})
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(s.filePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return err
	}
	// Secrets may be present.
	if err := os.WriteFile(absPath, data, 0o600); err != nil {
		return err
	}

	s.mu.Lock()
	s.clients = sorted
	s.lastModTime = time.Time{}
	s.mu.Unlock()
	return nil
}

// Ping checks that the file is readable.
func (s *FileClientSource) Ping(context.Context) error {
	_, err := os.Stat(s.filePath)
	return err
}

// Close is a no-op for file-based storage
func (s *FileClientSource) Close() error {
	return nil
}

func (s *FileClientSource) checkAndReload() error {
	absPath, err := filepath.Abs(s.filePath)
	if err != nil {
		return err
	}
	stat, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("stat clients file: %w", err)
	}

	s.mu.RLock()
	lastMod := s.lastModTime
	s.mu.RUnlock()
	if !lastMod.IsZero() && !stat.ModTime().After(lastMod) {
		return nil
	}
	return s.load(absPath, stat.ModTime())
}

func (s *FileClientSource) load(absPath string, modTime time.Time) error {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read clients file: %w", err)
	}

	var doc clientsFile
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse clients file: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = doc.Clients
	s.lastModTime = modTime
	return nil
}
