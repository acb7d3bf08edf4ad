package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Store keeps rule sets as JSON documents in a directory and derives the
// flat active-rule view the engine consumes. It is an optional collaborator;
// the engine itself never touches the filesystem.
type Store struct {
	dir string

	mu   sync.Mutex
	sets []RuleSet
}

// NewStore opens (and creates if needed) the rule-set directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rules: create store dir: %w", err)
	}
	s := &Store{dir: dir}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	names, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("rules: scan store dir: %w", err)
	}
	sort.Strings(names)

	var sets []RuleSet
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("rules: read %s: %w", filepath.Base(name), err)
		}
		var rs RuleSet
		if err := json.Unmarshal(data, &rs); err != nil {
			return fmt.Errorf("rules: decode %s: %w", filepath.Base(name), err)
		}
		sets = append(sets, rs)
	}

	s.mu.Lock()
	s.sets = sets
	s.mu.Unlock()
	return nil
}

// Sets returns a copy of the loaded rule sets.
func (s *Store) Sets() []RuleSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RuleSet, len(s.sets))
	copy(out, s.sets)
	return out
}

// Put inserts or replaces a rule set (matched by id) and persists it.
func (s *Store) Put(rs RuleSet) error {
	for _, r := range rs.Rules {
		if err := r.Response.Validate(); err != nil {
			return fmt.Errorf("rules: set %q rule %q: %w", rs.Name, r.Name, err)
		}
	}

	data, err := Export(rs)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path(rs.ID), data, 0o644); err != nil {
		return fmt.Errorf("rules: write set %q: %w", rs.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sets {
		if s.sets[i].ID == rs.ID {
			s.sets[i] = rs
			return nil
		}
	}
	s.sets = append(s.sets, rs)
	return nil
}

// Remove deletes a rule set by id.
func (s *Store) Remove(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rules: remove set: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sets {
		if s.sets[i].ID == id {
			s.sets = append(s.sets[:i], s.sets[i+1:]...)
			break
		}
	}
	return nil
}

// ActiveRules flattens the enabled rules of every active set, preserving set
// and rule order. This is the snapshot handed to Engine.Replace.
func (s *Store) ActiveRules() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Rule
	for _, set := range s.sets {
		if !set.IsActive {
			continue
		}
		for _, r := range set.Rules {
			if r.Enabled {
				out = append(out, r)
			}
		}
	}
	return out
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, sanitizeName(id)+".json")
}

func sanitizeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}

// Export encodes a rule set as its interchange JSON document. Dates marshal
// as ISO-8601 (RFC 3339) through time.Time's default codec.
func Export(rs RuleSet) ([]byte, error) {
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("rules: export set %q: %w", rs.Name, err)
	}
	return data, nil
}

// Import decodes an exported rule-set document. The id is regenerated and
// isActive forced off, so an imported set never silently shadows live rules.
// The rewrite happens on the raw JSON before decoding; fields that RuleSet
// does not declare are dropped by the decode.
func Import(data []byte) (RuleSet, error) {
	if !gjson.ValidBytes(data) {
		return RuleSet{}, fmt.Errorf("rules: import: not valid JSON")
	}
	if !gjson.GetBytes(data, "name").Exists() {
		return RuleSet{}, fmt.Errorf("rules: import: missing name")
	}

	data, err := sjson.SetBytes(data, "id", uuid.NewString())
	if err != nil {
		return RuleSet{}, fmt.Errorf("rules: import: %w", err)
	}
	data, err = sjson.SetBytes(data, "isActive", false)
	if err != nil {
		return RuleSet{}, fmt.Errorf("rules: import: %w", err)
	}

	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("rules: import: %w", err)
	}
	for i := range rs.Rules {
		if rs.Rules[i].ID == "" {
			rs.Rules[i].ID = uuid.NewString()
		}
		if err := rs.Rules[i].Response.Validate(); err != nil {
			return RuleSet{}, fmt.Errorf("rules: import rule %q: %w", rs.Rules[i].Name, err)
		}
	}
	return rs, nil
}
