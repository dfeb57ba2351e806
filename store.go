package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ProgramStore persists the program table as a JSON array of per-program
// boolean rows, one flag per loop.
type ProgramStore struct {
	path string
}

func NewProgramStore(path string) *ProgramStore {
	return &ProgramStore{path: path}
}

// Load reads the saved table. A missing file comes back as fs.ErrNotExist;
// first-run callers treat that as an empty table, not an error.
func (s *ProgramStore) Load() ([][]bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var table [][]bool
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return table, nil
}

// Save writes the full table and swaps it into place with a rename, so a
// crash mid-write leaves the previous table intact.
func (s *ProgramStore) Save(table [][]bool) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("encode programs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(s.path), err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
