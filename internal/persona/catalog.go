package persona

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Manifest is the on-disk persona file.
type Manifest struct {
	Default  string             `json:"default,omitempty"`
	Personas map[string]Profile `json:"personas"`
}

// Catalog is the merged set of personas available at runtime.
type Catalog struct {
	profiles map[string]Profile
	order    []string
	def      string
	Sources  []string
}

// NewCatalog builds a catalog from profiles keyed by persona key.
func NewCatalog(profiles map[string]Profile, def string) *Catalog {
	c := &Catalog{profiles: make(map[string]Profile)}
	c.merge(profiles)
	c.setDefault(def)
	return c
}

// LoadCatalog merges the built-in personas with the workspace manifest
// (.voicemimic/personas.json) and then the user manifest
// ($XDG_CONFIG_HOME/voicemimic/personas.json). PERSONA_CONFIG_PATH replaces
// both file sources.
func LoadCatalog() (*Catalog, error) {
	c := &Catalog{profiles: make(map[string]Profile)}
	c.merge(Builtins())
	def := ""

	if override := os.Getenv("PERSONA_CONFIG_PATH"); override != "" {
		path, err := expandPath(override)
		if err != nil {
			return c, err
		}
		m, err := readManifest(path)
		if err != nil {
			return c, err
		}
		c.merge(m.Personas)
		c.Sources = append(c.Sources, path)
		c.setDefault(m.Default)
		return c, nil
	}

	for _, locate := range []func() (string, error){workspaceManifestPath, userManifestPath} {
		path, err := locate()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return c, err
		}
		m, err := readManifest(path)
		if err != nil {
			return c, err
		}
		c.merge(m.Personas)
		c.Sources = append(c.Sources, path)
		if m.Default != "" {
			def = m.Default
		}
	}
	c.setDefault(def)
	return c, nil
}

func (c *Catalog) merge(src map[string]Profile) {
	for key, p := range src {
		k := strings.ToLower(strings.TrimSpace(key))
		if k == "" {
			continue
		}
		if !p.EnabledValue() {
			delete(c.profiles, k)
			continue
		}
		c.profiles[k] = p.normalized(k)
	}
	names := make([]string, 0, len(c.profiles))
	for k := range c.profiles {
		names = append(names, k)
	}
	sort.Strings(names)
	c.order = names
}

func (c *Catalog) setDefault(key string) {
	key = strings.ToLower(key)
	if _, ok := c.profiles[key]; ok {
		c.def = key
		return
	}
	if _, ok := c.profiles["connor"]; ok {
		c.def = "connor"
		return
	}
	if len(c.order) > 0 {
		c.def = c.order[0]
	}
}

// Lookup finds a persona by key or by case-insensitive name.
func (c *Catalog) Lookup(name string) (Profile, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return Profile{}, false
	}
	if p, ok := c.profiles[n]; ok {
		return p, true
	}
	for _, k := range c.order {
		if strings.ToLower(c.profiles[k].Name) == n {
			return c.profiles[k], true
		}
	}
	return Profile{}, false
}

// Default returns the persona used at startup.
func (c *Catalog) Default() Profile { return c.profiles[c.def] }

// Keys returns the persona keys in sorted order.
func (c *Catalog) Keys() []string { return append([]string(nil), c.order...) }

func (c *Catalog) Len() int { return len(c.order) }

func readManifest(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

func workspaceManifestPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	path := filepath.Join(cwd, ".voicemimic", "personas.json")
	if _, err := os.Stat(path); err != nil {
		return path, err
	}
	return path, nil
}

func userManifestPath() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	path := filepath.Join(base, "voicemimic", "personas.json")
	if _, err := os.Stat(path); err != nil {
		return path, err
	}
	return path, nil
}

func expandPath(value string) (string, error) {
	if !strings.HasPrefix(value, "~") {
		return value, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return value, err
	}
	if value == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(value[1:], "/")), nil
}
