// Package cookies reads per-platform login cookies from an ini-like file:
//
//	[bilibili]
//	SESSDATA=...
//	bili_jct=...
//
//	[xiaohongshu]
//	xiaohongshu_full=a1=...; web_session=...
//
// Each section body is dotenv syntax. The store is read-only.
package cookies

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"linkdigest/internal/runstore"
)

var sectionHeader = regexp.MustCompile(`^\[([^\]]+)\]\s*$`)

type Store struct {
	path string
	jars map[string]map[string]string
}

// Load parses path. A missing file yields an empty store.
func Load(path string) (*Store, error) {
	s := &Store{path: path, jars: map[string]map[string]string{}}
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read cookies file %s: %w", path, err)
	}
	if err := s.parse(string(raw)); err != nil {
		return nil, fmt.Errorf("parse cookies file %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) parse(content string) error {
	sections := map[string]*strings.Builder{}
	var current *strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := sectionHeader.FindStringSubmatch(trimmed); m != nil {
			name := strings.ToLower(strings.TrimSpace(m[1]))
			if sections[name] == nil {
				sections[name] = &strings.Builder{}
			}
			current = sections[name]
			continue
		}
		if current == nil || trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		current.WriteString(trimmed)
		current.WriteString("\n")
	}
	for name, body := range sections {
		values, err := godotenv.Unmarshal(body.String())
		if err != nil {
			return fmt.Errorf("section [%s]: %w", name, err)
		}
		s.jars[name] = values
	}
	return nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Platforms() []string {
	out := make([]string, 0, len(s.jars))
	for name := range s.jars {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Get returns the cookie pairs for platform. A "<platform>_full" entry is
// split into its pairs.
func (s *Store) Get(platform string) map[string]string {
	jar := s.jars[strings.ToLower(platform)]
	out := make(map[string]string, len(jar))
	fullKey := strings.ToLower(platform) + "_full"
	if full, ok := jar[fullKey]; ok {
		for k, v := range parseHeader(full) {
			out[k] = v
		}
	}
	for k, v := range jar {
		if k == fullKey {
			continue
		}
		out[k] = v
	}
	return out
}

func (s *Store) Value(platform, key string) string {
	return s.Get(platform)[key]
}

// Header renders platform cookies in Cookie request header form.
func (s *Store) Header(platform string) string {
	jar := s.jars[strings.ToLower(platform)]
	if full, ok := jar[strings.ToLower(platform)+"_full"]; ok {
		return full
	}
	pairs := s.Get(platform)
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+pairs[k])
	}
	return strings.Join(parts, "; ")
}

var platformDomains = map[string]string{
	"bilibili":    ".bilibili.com",
	"xiaohongshu": ".xiaohongshu.com",
}

// NetscapeFile writes platform cookies as a Netscape cookies.txt under dir
// and returns its path, or "" when the platform has no cookies.
func (s *Store) NetscapeFile(platform, dir string) (string, error) {
	pairs := s.Get(platform)
	if len(pairs) == 0 {
		return "", nil
	}
	domain, ok := platformDomains[strings.ToLower(platform)]
	if !ok {
		return "", fmt.Errorf("no cookie domain known for platform %q", platform)
	}
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# Netscape HTTP Cookie File\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s\tTRUE\t/\tFALSE\t0\t%s\t%s\n", domain, k, pairs[k])
	}
	if err := runstore.Mkdir(dir); err != nil {
		return "", err
	}
	path := filepath.Join(dir, runstore.SafeName(strings.ToLower(platform))+".cookies.txt")
	if err := runstore.WriteBytes(path, []byte(b.String())); err != nil {
		return "", err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("chmod cookies file %s: %w", path, err)
	}
	return path, nil
}

func parseHeader(header string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
