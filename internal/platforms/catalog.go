package platforms

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Catalog is the platform lookup table populated at startup
type Catalog struct {
	mu        sync.RWMutex
	platforms map[string]*Platform
}

// NewCatalog compiles the given entries into a catalog. A generic entry is required.
func NewCatalog(entries ...*Platform) (*Catalog, error) {
	c := &Catalog{platforms: make(map[string]*Platform, len(entries))}
	for _, p := range entries {
		if err := p.Compile(); err != nil {
			return nil, err
		}
		c.platforms[p.Name] = p
	}
	if _, ok := c.platforms[GenericName]; !ok {
		return nil, fmt.Errorf("catalog has no %q entry", GenericName)
	}
	return c, nil
}

// DefaultCatalog returns the built-in catalog
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultPlatforms()...)
	if err != nil {
		// built-in table is static; a failure here is a programming error
		panic(err)
	}
	return c
}

type catalogFile struct {
	Platforms []*Platform `toml:"platform"`
}

// LoadFile merges platform entries from a TOML file, replacing entries with the same name
func (c *Catalog) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read platform catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse platform catalog %s: %w", path, err)
	}

	for _, p := range file.Platforms {
		if err := p.Compile(); err != nil {
			return 0, fmt.Errorf("platform catalog %s: %w", path, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range file.Platforms {
		c.platforms[p.Name] = p
	}
	return len(file.Platforms), nil
}

// Get returns the entry for name, falling back to the generic entry for unknown names
func (c *Catalog) Get(name string) *Platform {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.platforms[strings.ToLower(name)]; ok {
		return p
	}
	return c.platforms[GenericName]
}

// Has reports whether name has its own entry
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.platforms[strings.ToLower(name)]
	return ok && strings.ToLower(name) != GenericName
}

// ForURL resolves the platform owning the URL's host
func (c *Catalog) ForURL(rawURL string) (*Platform, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return c.Get(GenericName), false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, p := range c.platforms {
		if name != GenericName && p.MatchesHost(u.Hostname()) {
			return p, true
		}
	}
	return c.platforms[GenericName], false
}

// Names lists the named platforms, generic excluded
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.platforms))
	for name := range c.platforms {
		if name != GenericName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
