// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package capability gates syscalls by the grants a plug declares in its
// manifest.
//
// Grants are glob patterns over dotted syscall names, compiled with '.' as
// the segment separator:
//   - '*' matches a single segment ("store.*" matches "store.get")
//   - '**' matches any number of segments ("**" matches every syscall)
package capability

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer checks plug grants at syscall time. Grants are keyed by plug
// instance id, so two instances of one plug never share them.
//
// Enforcer is safe for concurrent use. The zero value is ready to use.
type Enforcer struct {
	grants map[string][]compiledGrant
	mu     sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants: make(map[string][]compiledGrant),
	}
}

// Compile validates grant patterns without registering them. It returns one
// message per invalid pattern.
func Compile(patterns []string) []string {
	var errs []string
	for i, pattern := range patterns {
		if pattern == "" {
			errs = append(errs, fmt.Sprintf("capability %d: empty pattern", i))
			continue
		}
		if _, err := glob.Compile(pattern, '.'); err != nil {
			errs = append(errs, fmt.Sprintf("capability %d (%q): %v", i, pattern, err))
		}
	}
	return errs
}

// SetGrants replaces the grants of a plug. Either every pattern compiles
// and all are applied, or the enforcer is left unchanged.
func (e *Enforcer) SetGrants(plug string, patterns []string) error {
	if plug == "" {
		return oops.In("capability").New("plug name cannot be empty")
	}

	compiled := make([]compiledGrant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return oops.In("capability").With("plug", plug).Errorf("capability %d: empty pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return oops.In("capability").With("plug", plug).With("pattern", pattern).Wrap(err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[plug] = compiled
	return nil
}

// RemoveGrants forgets a plug. Unknown plugs are ignored.
func (e *Enforcer) RemoveGrants(plug string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, plug)
}

// Grants returns a copy of the patterns granted to a plug, or nil.
func (e *Enforcer) Grants(plug string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[plug]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Check reports whether plug may call the named syscall. Unknown plugs and
// empty names are denied.
func (e *Enforcer) Check(plug, syscall string) bool {
	if syscall == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, grant := range e.grants[plug] {
		if grant.glob.Match(syscall) {
			return true
		}
	}
	return false
}
