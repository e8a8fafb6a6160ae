// Package nvram simulates the ECU's non-volatile configuration memory as a
// newline-separated KEY=VALUE text file. It holds the boot configuration,
// including the golden firmware hash consulted by the secure-boot check.
package nvram

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Well-known keys required by the boot sequence.
const (
	KeyFirmwareVersion = "FIRMWARE_VERSION"
	KeySerialNumber    = "ECU_SERIAL_NUMBER"
	KeyGoldenHash      = "FIRMWARE_HASH_GOLDEN"
)

// Defaults written when no NVRAM file exists yet. The golden hash defaults to
// the digest of an empty file; provisioning replaces it with the digest of the
// installed firmware image.
var defaults = map[string]string{
	KeyFirmwareVersion: "1.0.0",
	KeySerialNumber:    "VECU-2023-001",
	KeyGoldenHash:      "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
}

// Store is a key-value store persisted to a single text file. Safe for
// concurrent use; the boot sequence and the update path both touch it.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

func NewStore(path string) *Store {
	return &Store{
		path: path,
		data: make(map[string]string),
	}
}

// Load reads the backing file into memory. A missing file is not an error:
// the store is seeded with defaults and written out, mimicking a factory-fresh
// flash region.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		for k, v := range defaults {
			s.data[k] = v
		}
		return s.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("nvram: load %s: %w", s.path, err)
	}

	for _, line := range strings.Split(string(raw), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		s.data[key] = value
	}
	return nil
}

// Save writes the current contents back to the backing file. Keys are written
// in sorted order so the file is stable across saves.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, s.data[k])
	}
	if err := os.WriteFile(s.path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("nvram: save %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}
