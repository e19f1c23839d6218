package scope

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logx "tickbot/pkg/logx"
)

// Global is the scope that always exists. Jobs that belong to no particular
// project live here.
const Global = "global"

const projectsDirName = "projects"

var ErrInvalidID = errors.New("invalid scope id")

// Registry maps scope ids to per-scope metadata directories under one data
// root:
//
//	<root>/global/            the global scope
//	<root>/projects/<id>/     one directory per project scope
//
// A project scope exists iff its directory exists; Ensure creates it.
type Registry struct {
	root string
	log  logx.Logger
}

func NewRegistry(root string, log logx.Logger) (*Registry, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("data root is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	r := &Registry{root: abs, log: log}
	// The global scope always exists.
	if _, err := r.Dir(Global); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Root() string { return r.root }

// Dir returns the scope's directory, creating it if needed.
func (r *Registry) Dir(scopeID string) (string, error) {
	p, err := r.path(scopeID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", err
	}
	return p, nil
}

// Exists reports whether the scope is known. The global scope always is; a
// project scope exists once Ensure (or a previous run) created it.
func (r *Registry) Exists(scopeID string) bool {
	if scopeID == Global {
		return true
	}
	p, err := r.path(scopeID)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// Ensure registers a project scope, creating its directory.
func (r *Registry) Ensure(scopeID string) error {
	if scopeID == Global {
		return nil
	}
	if err := ValidateID(scopeID); err != nil {
		return err
	}
	dir, err := r.Dir(scopeID)
	if err != nil {
		return err
	}
	r.log.Debug("project scope ready", logx.String("scope", scopeID), logx.String("dir", dir))
	return nil
}

// List enumerates all known scopes: the global sentinel first, then project
// scopes sorted by id.
func (r *Registry) List() ([]string, error) {
	out := []string{Global}

	entries, err := os.ReadDir(filepath.Join(r.root, projectsDirName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	var projects []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if ValidateID(e.Name()) != nil {
			// Stray directory that could never have been created through the
			// registry; ignore it.
			continue
		}
		projects = append(projects, e.Name())
	}
	sort.Strings(projects)
	return append(out, projects...), nil
}

func (r *Registry) path(scopeID string) (string, error) {
	if scopeID == Global {
		return filepath.Join(r.root, Global), nil
	}
	if err := ValidateID(scopeID); err != nil {
		return "", err
	}
	return filepath.Join(r.root, projectsDirName, scopeID), nil
}

// ValidateID accepts short identifiers safe to use as directory names:
// letters, digits, '-', '_' and '.', no leading dot, at most 64 chars.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > 64 {
		return fmt.Errorf("%w: %q is longer than 64 chars", ErrInvalidID, id)
	}
	if id[0] == '.' {
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidID, id)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidID, id, c)
		}
	}
	return nil
}
