package platforms

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// GenericName is the catalog entry used for platforms without their own entry
const GenericName = "generic"

// WeightedSelector is a CSS selector carrying the confidence of a match
type WeightedSelector struct {
	Selector   string `toml:"selector"`
	Confidence int    `toml:"confidence"`
	TestID     bool   `toml:"test_id"` // selector targets a stable data-testid style attribute
}

// WeightedPattern is a path regex carrying the confidence of a match (0..1)
type WeightedPattern struct {
	Pattern    string  `toml:"pattern"`
	Confidence float64 `toml:"confidence"`
	Label      string  `toml:"label"`

	re *regexp.Regexp
}

// Match reports whether the compiled pattern matches s
func (w *WeightedPattern) Match(s string) bool {
	return w.re != nil && w.re.MatchString(s)
}

// Platform is one row of the platform table. Adding a platform means adding one entry.
type Platform struct {
	Name    string   `toml:"name"`
	Domains []string `toml:"domains"`
	HomeURL string   `toml:"home_url"`

	// Login detection
	LoggedInSelectors    []WeightedSelector `toml:"logged_in_selectors"`
	LoginButtonSelectors []WeightedSelector `toml:"login_button_selectors"`
	UsernameSelectors    []string           `toml:"username_selectors"`
	HighCookies          []string           `toml:"high_cookies"`
	MediumCookies        []string           `toml:"medium_cookies"`
	HighStorageKeys      []string           `toml:"high_storage_keys"`
	MediumStorageKeys    []string           `toml:"medium_storage_keys"`
	CheckPath            string             `toml:"check_path"`
	LoggedInURLPatterns  []string           `toml:"logged_in_url_patterns"`
	LoginURLPatterns     []string           `toml:"login_url_patterns"`

	// Page classification
	TargetPatterns    []WeightedPattern `toml:"target_patterns"`
	NegativePatterns  []WeightedPattern `toml:"negative_patterns"`
	StaticPaths       []string          `toml:"static_paths"`
	StructureBonus    []string          `toml:"structure_bonus"`
	ContentContainers []string          `toml:"content_containers"`

	loggedInURL []*regexp.Regexp
	loginURL    []*regexp.Regexp
	compiled    bool
}

// Compile compiles every regex of the entry. It is called once at catalog load.
func (p *Platform) Compile() error {
	if p.Name == "" {
		return fmt.Errorf("platform entry without name")
	}
	p.Name = strings.ToLower(p.Name)

	var err error
	if p.loggedInURL, err = compileAll(p.LoggedInURLPatterns); err != nil {
		return fmt.Errorf("platform %s: logged_in_url_patterns: %w", p.Name, err)
	}
	if p.loginURL, err = compileAll(p.LoginURLPatterns); err != nil {
		return fmt.Errorf("platform %s: login_url_patterns: %w", p.Name, err)
	}
	for i := range p.TargetPatterns {
		if p.TargetPatterns[i].re, err = regexp.Compile(p.TargetPatterns[i].Pattern); err != nil {
			return fmt.Errorf("platform %s: target pattern %q: %w", p.Name, p.TargetPatterns[i].Pattern, err)
		}
	}
	for i := range p.NegativePatterns {
		if p.NegativePatterns[i].re, err = regexp.Compile(p.NegativePatterns[i].Pattern); err != nil {
			return fmt.Errorf("platform %s: negative pattern %q: %w", p.Name, p.NegativePatterns[i].Pattern, err)
		}
	}
	for i, path := range p.StaticPaths {
		p.StaticPaths[i] = normalizePath(path)
	}
	p.compiled = true
	return nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// MatchesHost reports whether host belongs to one of the platform domains (subdomains included)
func (p *Platform) MatchesHost(host string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for _, domain := range p.Domains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// IsStaticPath reports whether path is one of the platform's non-content pages
func (p *Platform) IsStaticPath(path string) bool {
	path = normalizePath(path)
	for _, static := range p.StaticPaths {
		if path == static {
			return true
		}
	}
	return false
}

// IsLoggedInURL reports whether the URL points into an area that requires login
func (p *Platform) IsLoggedInURL(rawURL string) bool {
	return matchAny(p.loggedInURL, rawURL)
}

// IsLoginURL reports whether the URL looks like a login or auth page
func (p *Platform) IsLoginURL(rawURL string) bool {
	return matchAny(p.loginURL, rawURL) || genericLoginURL.MatchString(rawURL)
}

var genericLoginURL = regexp.MustCompile(`(?i)/(login|signin|sign-in|passport|sso|oauth|auth)(/|\?|$)`)

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// HomeOrigin returns the scheme://host of the home URL
func (p *Platform) HomeOrigin() string {
	u, err := url.Parse(p.HomeURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func normalizePath(path string) string {
	path = strings.ToLower(strings.TrimSpace(path))
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		path = "/"
	}
	return path
}
