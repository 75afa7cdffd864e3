package service

import (
	"encoding/hex"
	"sort"
	"strings"

	"collabspace/internal/snapshot/model"

	"github.com/zeebo/blake3"
)

// ContentHash is the BLAKE3 digest of content, hex encoded.
func ContentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Manifest maps every path to the hash of its content.
func Manifest(files map[string]string) map[string]string {
	manifest := make(map[string]string, len(files))
	for path, content := range files {
		manifest[path] = ContentHash(content)
	}
	return manifest
}

// Diff compares two manifests and returns the changed paths, sorted.
// before and after supply content for line counts; a path missing from
// them counts as empty.
func Diff(parent, current map[string]string, before, after map[string]string) []model.Change {
	var changes []model.Change
	for path, hash := range current {
		old, existed := parent[path]
		switch {
		case !existed:
			changes = append(changes, model.Change{Path: path, Status: model.Added, LinesChanged: countLines(after[path])})
		case old != hash:
			changes = append(changes, model.Change{Path: path, Status: model.Modified, LinesChanged: lineDelta(before[path], after[path])})
		}
	}
	for path := range parent {
		if _, ok := current[path]; !ok {
			changes = append(changes, model.Change{Path: path, Status: model.Removed, LinesChanged: countLines(before[path])})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func countLines(s string) int {
	return len(splitLines(s))
}

// lineDelta counts lines present on only one side, treating each side
// as a multiset of lines.
func lineDelta(before, after string) int {
	counts := make(map[string]int)
	for _, line := range splitLines(before) {
		counts[line]++
	}
	for _, line := range splitLines(after) {
		counts[line]--
	}
	delta := 0
	for _, n := range counts {
		if n < 0 {
			n = -n
		}
		delta += n
	}
	return delta
}
