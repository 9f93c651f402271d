package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// ErrNoShards is returned when none of the roots hold a shard.
var ErrNoShards = errors.New("dataset: no shards discovered")

// DiscoverShards returns sorted paths to shard TAR files beneath root.
// Hidden directories are skipped.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards in %s: %w", root, err)
	}
	sort.Strings(entries)
	return entries, nil
}

// DiscoverByRoot scans each root independently and fails with ErrNoShards if
// the roots hold no shards at all.
func DiscoverByRoot(roots []string) (map[string][]string, error) {
	result := make(map[string][]string, len(roots))
	total := 0
	for _, root := range roots {
		shards, err := DiscoverShards(root)
		if err != nil {
			return nil, err
		}
		result[root] = shards
		total += len(shards)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w under %v", ErrNoShards, roots)
	}
	return result, nil
}
