// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package system

import (
	"sort"

	"github.com/plugos/plugos/internal/plug"
)

// LoadOrder sorts manifests so every plug comes after the plugs it depends
// on. Ties are broken by name. Dependencies outside the set are ignored;
// manifests caught in a cycle are appended in name order and will fail
// their dependency check when loaded.
func LoadOrder(manifests []*plug.Manifest) []*plug.Manifest {
	byName := make(map[string]*plug.Manifest, len(manifests))
	for _, m := range manifests {
		byName[m.Name] = m
	}

	indegree := make(map[string]int, len(byName))
	dependents := make(map[string][]string, len(byName))
	for name, m := range byName {
		indegree[name] += 0
		for dep := range m.Dependencies {
			if _, ok := byName[dep]; !ok || dep == name {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	out := make([]*plug.Manifest, 0, len(byName))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		out = append(out, byName[name])

		next := dependents[name]
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
		sort.Strings(ready)
	}

	if len(out) < len(byName) {
		var cyclic []string
		for name, n := range indegree {
			if n > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		for _, name := range cyclic {
			out = append(out, byName[name])
		}
	}
	return out
}
