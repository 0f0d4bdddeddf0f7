package store

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// PersonalDatabase is the default database every conversation channel maps
// to unless a shared database claims it.
const PersonalDatabase = "personal"

// Manager owns the set of named databases: the personal one plus any
// configured shared ones. Databases open lazily and stay open until
// CloseAll.
type Manager struct {
	dataDir string
	shared  map[string]string // name -> path
	logger  *slog.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewManager creates a database manager rooted at dataDir. shared maps
// database names to file paths outside the data directory.
func NewManager(dataDir string, shared map[string]string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if shared == nil {
		shared = map[string]string{}
	}
	return &Manager{
		dataDir: dataDir,
		shared:  shared,
		logger:  logger.With("component", "store"),
		stores:  make(map[string]*Store),
	}
}

// Get returns the store for a named database, opening it on first use.
func (m *Manager) Get(name string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[name]; ok {
		return s, nil
	}

	var path string
	switch {
	case name == PersonalDatabase:
		path = filepath.Join(m.dataDir, "personal.db")
	case m.shared[name] != "":
		path = m.shared[name]
	default:
		return nil, fmt.Errorf("unknown database %q", name)
	}

	s, err := Open(path, m.logger)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", name, err)
	}
	m.stores[name] = s
	return s, nil
}

// Names returns the personal database plus all configured shared ones.
func (m *Manager) Names() []string {
	names := []string{PersonalDatabase}
	for name := range m.shared {
		names = append(names, name)
	}
	return names
}

// DatabaseForChannel maps a bus channel name to the database its change
// log lives in: global:<name> maps to <name>, everything else to the
// personal database.
func DatabaseForChannel(channel string) string {
	if rest, ok := strings.CutPrefix(channel, "global:"); ok && rest != "" {
		return rest
	}
	return PersonalDatabase
}

// CloseAll closes every open store.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, s := range m.stores {
		if err := s.Close(); err != nil {
			m.logger.Warn("failed to close database", "name", name, "error", err)
		}
		delete(m.stores, name)
	}
}
