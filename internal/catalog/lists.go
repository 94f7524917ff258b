package catalog

import (
	"bufio"
	"log/slog"
	"os"
	"strings"
)

// LoadList reads a newline-delimited list of job keys from path.
// Blank lines, single-character lines and lines starting with '#' are skipped.
// A missing or unreadable file is logged and contributes nothing.
func LoadList(path string) map[string]struct{} {
	keys := make(map[string]struct{})
	if len(strings.TrimSpace(path)) <= 1 {
		return keys
	}

	log := slog.With("component", "catalog")

	f, err := os.Open(path)
	if err != nil {
		log.Warn("ignoring job list", "path", path, "error", err)
		return keys
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(strings.TrimSpace(line)) <= 1 || strings.HasPrefix(line, "#") {
			continue
		}
		keys[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("job list read incomplete", "path", path, "error", err)
	}

	return keys
}

// ParseList splits a comma-separated list of keys.
func ParseList(list string) map[string]struct{} {
	keys := make(map[string]struct{})
	if strings.TrimSpace(list) == "" {
		return keys
	}
	for _, k := range strings.Split(list, ",") {
		keys[k] = struct{}{}
	}
	return keys
}

// JoinList is the inverse of ParseList.
func JoinList(keys []string) string {
	return strings.Join(keys, ",")
}

// Merge folds the given sets into one.
func Merge(sets ...map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}
