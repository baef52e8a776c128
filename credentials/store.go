// Package credentials persists per-user key material and device identity.
package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound indicates no credentials are stored for a username.
	ErrNotFound = errors.New("credentials: no record for user")
	// ErrMalformed indicates a stored record cannot be decoded.
	ErrMalformed = errors.New("credentials: malformed record")
)

// Record is the persisted credential entry of one user. Creds is an opaque
// base64 blob produced by the crypto provider.
type Record struct {
	DeviceID string `json:"device_id"`
	XMPPURL  string `json:"xmpp_url,omitempty"`
	Creds    string `json:"creds"`
}

// Blob decodes the opaque credential bytes.
func (r Record) Blob() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(r.Creds)
	if err != nil || len(raw) == 0 {
		return nil, ErrMalformed
	}
	return raw, nil
}

// NewRecord builds a record around opaque credential bytes.
func NewRecord(deviceID, xmppURL string, blob []byte) Record {
	return Record{
		DeviceID: deviceID,
		XMPPURL:  xmppURL,
		Creds:    base64.StdEncoding.EncodeToString(blob),
	}
}

// Store is a JSON file of records keyed by username.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a store backed by path. The file is created on first save.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("credentials path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create credentials directory: %w", err)
	}
	return &Store{path: path}, nil
}

// Load returns the record stored for username.
func (s *Store) Load(username string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return Record{}, err
	}
	record, ok := records[username]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

// Save inserts or replaces the record for username.
func (s *Store) Save(username string, record Record) error {
	if strings.TrimSpace(username) == "" {
		return errors.New("username is required")
	}
	if _, err := record.Blob(); err != nil {
		return fmt.Errorf("save credentials for %q: %w", username, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return err
	}
	records[username] = record
	return s.writeAll(records)
}

// Delete removes the record for username. Deleting a missing user returns ErrNotFound.
func (s *Store) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return err
	}
	if _, ok := records[username]; !ok {
		return ErrNotFound
	}
	delete(records, username)
	return s.writeAll(records)
}

// Usernames lists users with stored credentials in sorted order.
func (s *Store) Usernames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) readAll() (map[string]Record, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if len(raw) == 0 {
		return map[string]Record{}, nil
	}

	records := map[string]Record{}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return records, nil
}

func (s *Store) writeAll(records map[string]Record) error {
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	tmpPath := s.path + ".part"
	if err := os.WriteFile(tmpPath, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}
