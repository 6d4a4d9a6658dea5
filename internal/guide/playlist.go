package guide

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Entry is one channel in an M3U playlist: its EXTINF attribute line, the
// display name after the comma, and the source URL on the following line.
type Entry struct {
	Name  string
	Attrs map[string]string
	URL   string
}

// StreamID extracts the numeric channel identifier from the entry URL, which
// upstream always places in the final path segment.
func (e Entry) StreamID() (string, bool) {
	trimmed := strings.TrimRight(strings.TrimSpace(e.URL), "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return "", false
	}
	id := trimmed[idx+1:]
	if id == "" {
		return "", false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return id, true
}

var attrPattern = regexp.MustCompile(`([a-zA-Z0-9-]+)="([^"]*)"`)

// ParsePlaylist reads an extended M3U document into entries. Lines that are
// not EXTINF/URL pairs are skipped.
func ParsePlaylist(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var entries []Entry
	var current *Entry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			entry := Entry{Attrs: make(map[string]string)}
			for _, m := range attrPattern.FindAllStringSubmatch(line, -1) {
				entry.Attrs[strings.ToLower(m[1])] = m[2]
			}
			if idx := strings.LastIndex(line, ","); idx >= 0 {
				entry.Name = strings.TrimSpace(line[idx+1:])
			}
			current = &entry
		case line == "" || strings.HasPrefix(line, "#"):
			// Headers and other directives carry nothing we keep.
		default:
			if current != nil {
				current.URL = line
				entries = append(entries, *current)
				current = nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan playlist: %w", err)
	}
	return entries, nil
}

// AssignGuideIDs fuzzy-matches each entry name against the guide's channel
// names and fills tvg-id for entries that clear the match threshold. Entries
// that already carry a tvg-id are left alone. Returns how many were assigned.
func AssignGuideIDs(entries []Entry, idsByName map[string]string) int {
	names := make([]string, 0, len(idsByName))
	for name := range idsByName {
		names = append(names, name)
	}
	assigned := 0
	for i := range entries {
		if entries[i].Attrs["tvg-id"] != "" {
			continue
		}
		if match, ok := BestMatch(entries[i].Name, names); ok {
			entries[i].Attrs["tvg-id"] = idsByName[match]
			assigned++
		}
	}
	return assigned
}

// FilterEntries keeps only entries whose stream URL yields a usable channel
// identifier. Everything else cannot be relayed.
func FilterEntries(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if _, ok := entry.StreamID(); ok {
			out = append(out, entry)
		}
	}
	return out
}

// attrOrder keeps rewritten EXTINF lines stable across refreshes.
var attrOrder = []string{"tvg-id", "tvg-name", "tvg-logo", "group-title"}

// WriteLocal renders the playlist with every source URL replaced by the
// relay's own stream endpoint on the given host.
func WriteLocal(w io.Writer, entries []Entry, host string) error {
	if _, err := fmt.Fprintln(w, "#EXTM3U"); err != nil {
		return err
	}
	for _, entry := range entries {
		id, ok := entry.StreamID()
		if !ok {
			continue
		}
		var attrs strings.Builder
		for _, key := range attrOrder {
			if value, present := entry.Attrs[key]; present {
				fmt.Fprintf(&attrs, " %s=%q", key, value)
			}
		}
		if _, err := fmt.Fprintf(w, "#EXTINF:-1%s,%s\n", attrs.String(), entry.Name); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "http://%s/stream/%s\n", host, id); err != nil {
			return err
		}
	}
	return nil
}
