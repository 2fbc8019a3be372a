package modelget

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/modelget/modelget/pkg/download"
)

// A manifest lists files to fetch. The text form is one entry per line:
//
// http://example.com/foo/bar.txt     foo/bar.txt
// http://example.com/foo/bar/baz.txt foo/bar/baz.txt  <sha256>
//
// Blank lines and lines starting with # are ignored; fields are separated by
// arbitrary whitespace. The YAML form is a list of entries:
//
//   - url: http://example.com/foo/bar.txt
//     dest: foo/bar.txt
//     sha256: ...

type ManifestEntry struct {
	URL         string `yaml:"url"`
	Dest        string `yaml:"dest"`
	SHA256      string `yaml:"sha256,omitempty"`
	Size        int64  `yaml:"size,omitempty"`
	Description string `yaml:"description,omitempty"`
}

type Manifest []ManifestEntry

func (m Manifest) Tasks() []download.Task {
	tasks := make([]download.Task, len(m))
	for i, e := range m {
		tasks[i] = download.Task{
			URL:          e.URL,
			Dest:         e.Dest,
			SHA256:       e.SHA256,
			ExpectedSize: e.Size,
			Description:  e.Description,
		}
	}
	return tasks
}

// ParseManifest reads a manifest, choosing the format from the file name.
// For stdin ("-") or an unknown extension the content is sniffed: a leading
// "- " means YAML.
func ParseManifest(name string, r io.Reader) (Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest %s: %w", name, err)
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return parseYAMLManifest(data)
	case ".txt":
		return parseTextManifest(data)
	}
	if looksLikeYAML(data) {
		return parseYAMLManifest(data)
	}
	return parseTextManifest(data)
}

func looksLikeYAML(data []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || line == "---" {
			continue
		}
		return strings.HasPrefix(line, "- ")
	}
	return false
}

func parseLine(line string) (ManifestEntry, error) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 2:
		return ManifestEntry{URL: fields[0], Dest: fields[1]}, nil
	case 3:
		return ManifestEntry{URL: fields[0], Dest: fields[1], SHA256: fields[2]}, nil
	}
	return ManifestEntry{}, fmt.Errorf("error parsing manifest invalid line format `%s`", line)
}

func parseTextManifest(data []byte) (Manifest, error) {
	var entries Manifest
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	return entries, entries.Validate()
}

func parseYAMLManifest(data []byte) (Manifest, error) {
	var entries Manifest
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing yaml manifest: %w", err)
	}
	return entries, entries.Validate()
}

// Validate rejects malformed URLs and destinations claimed twice.
func (m Manifest) Validate() error {
	seenDestinations := make(map[string]string)
	for _, e := range m {
		if err := validateURL(e.URL); err != nil {
			return err
		}
		if e.Dest == "" {
			return fmt.Errorf("manifest entry for %s has no destination", e.URL)
		}
		if e.Size < 0 {
			return fmt.Errorf("manifest entry for %s has negative size", e.URL)
		}
		dest := filepath.Clean(e.Dest)
		if err := checkSeenDestinations(seenDestinations, dest, e.URL); err != nil {
			return err
		}
		seenDestinations[dest] = e.URL
	}
	return nil
}

func validateURL(urlString string) error {
	u, err := url.Parse(urlString)
	if err != nil {
		return fmt.Errorf("error parsing url %s: %w", urlString, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("unsupported url %s", urlString)
	}
	return nil
}

func checkSeenDestinations(destinations map[string]string, dest string, urlString string) error {
	if seenURL, ok := destinations[dest]; ok {
		if seenURL != urlString {
			return fmt.Errorf("duplicate destination %s with different urls: %s and %s", dest, seenURL, urlString)
		}
		return fmt.Errorf("duplicate entry: %s %s", urlString, dest)
	}
	return nil
}
