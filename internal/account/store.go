package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// accountsFile is the on-disk shape of the accounts file. The wrapper object
// leaves room for collaborators (admin UI, cookie refresher) to add keys
// without breaking the core.
type accountsFile struct {
	Accounts []*Account `json:"accounts"`
}

// Store reads and writes the durable accounts file. Writes are serialized;
// they are best-effort and never block pool selection.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store over the given accounts file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the accounts file path, for change watchers.
func (s *Store) Path() string {
	return s.path
}

// Load reads the accounts file and returns the rows. Accounts without an id
// get a stable positional one; rows missing an enabled key default to enabled
// via the file's explicit field.
func (s *Store) Load() ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	var f accountsFile
	if err = json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	for i, acc := range f.Accounts {
		if acc.ID == "" {
			acc.ID = fmt.Sprintf("acct-%d", i+1)
		}
	}
	return f.Accounts, nil
}

// Save writes the rows back to the accounts file. Errors are logged, not
// returned; persistence is best-effort by contract.
func (s *Store) Save(rows []Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ptrs := make([]*Account, len(rows))
	for i := range rows {
		ptrs[i] = &rows[i]
	}
	data, err := json.MarshalIndent(accountsFile{Accounts: ptrs}, "", "    ")
	if err != nil {
		log.Errorf("marshal accounts file failed: %v", err)
		return
	}
	tmp := s.path + ".tmp"
	if err = os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && filepath.Dir(s.path) != "." {
		log.Errorf("create accounts dir failed: %v", err)
		return
	}
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		log.Errorf("write accounts file failed: %v", err)
		return
	}
	if err = os.Rename(tmp, s.path); err != nil {
		log.Errorf("replace accounts file failed: %v", err)
	}
}
