package storage

import (
	"slices"
	"strconv"
	"strings"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// The memory and filesystem backends keep an append-only list of versions
// per container and derive listings from it the way B2 does: names in
// ascending order, versions of one name newest first.

// currentVersions returns the newest version of every name whose newest
// version is not a hide marker.
func currentVersions(log []*freeze.FreezeFile) []*freeze.FreezeFile {
	latest := make(map[string]*freeze.FreezeFile)
	for _, v := range log {
		latest[v.Path] = v
	}
	out := make([]*freeze.FreezeFile, 0, len(latest))
	for _, v := range latest {
		if v.ServiceInfo == freeze.ActionHide {
			continue
		}
		out = append(out, v.Clone())
	}
	slices.SortFunc(out, func(a, b *freeze.FreezeFile) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// allVersions returns every version ordered by name, newest first per name.
func allVersions(log []*freeze.FreezeFile) []*freeze.FreezeFile {
	out := make([]*freeze.FreezeFile, len(log))
	for i, v := range log {
		out[len(log)-1-i] = v.Clone()
	}
	slices.SortStableFunc(out, func(a, b *freeze.FreezeFile) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// latestVersion returns the newest version of path, if any.
func latestVersion(log []*freeze.FreezeFile, path string) *freeze.FreezeFile {
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Path == path {
			return log[i]
		}
	}
	return nil
}

// pageOf slices list for an offset cursor.
func pageOf(list []*freeze.FreezeFile, from cursor, size int) ([]*freeze.FreezeFile, cursor) {
	start, _ := strconv.Atoi(from.Name)
	if start > len(list) {
		start = len(list)
	}
	end := min(start+size, len(list))
	var next cursor
	if end < len(list) {
		next.Name = strconv.Itoa(end)
	}
	return list[start:end], next
}
