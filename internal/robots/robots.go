// Package robots parses robots.txt and answers per-host crawl
// permission questions through the HTTP cache facade.
package robots

import (
	"bufio"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// rule is one allow/disallow line with its compiled pattern. Patterns
// support * wildcards and a $ end anchor; plain rules prefix-match.
type rule struct {
	raw string
	re  *regexp.Regexp
}

func (r rule) matches(path string) bool {
	if r.re != nil {
		return r.re.MatchString(path)
	}
	return strings.HasPrefix(path, r.raw)
}

// AgentRules is the rule group for one user-agent token.
type AgentRules struct {
	UserAgent  string
	CrawlDelay time.Duration

	allow    []rule
	disallow []rule
}

// RobotsTxt is a parsed robots.txt file.
type RobotsTxt struct {
	groups   map[string]*AgentRules
	Sitemaps []string
}

// Parse reads robots.txt content. Consecutive User-agent lines form
// one group; a User-agent line after rules starts a new group.
func Parse(content string) *RobotsTxt {
	r := &RobotsTxt{groups: make(map[string]*AgentRules)}

	var current []*AgentRules
	lastWasAgent := false

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.Index(line, "#"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		directive := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch directive {
		case "user-agent":
			agent := strings.ToLower(value)
			g, exists := r.groups[agent]
			if !exists {
				g = &AgentRules{UserAgent: agent}
				r.groups[agent] = g
			}
			if lastWasAgent {
				current = append(current, g)
			} else {
				current = []*AgentRules{g}
			}
			lastWasAgent = true
			continue

		case "disallow":
			if value != "" {
				for _, g := range current {
					g.disallow = append(g.disallow, rule{raw: value, re: compilePattern(value)})
				}
			}

		case "allow":
			if value != "" {
				for _, g := range current {
					g.allow = append(g.allow, rule{raw: value, re: compilePattern(value)})
				}
			}

		case "crawl-delay":
			if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
				for _, g := range current {
					g.CrawlDelay = time.Duration(secs * float64(time.Second))
				}
			}

		case "sitemap":
			if value != "" {
				r.Sitemaps = append(r.Sitemaps, value)
			}
		}
		lastWasAgent = false
	}
	return r
}

// IsAllowed reports whether the agent may fetch the path. When both an
// allow and a disallow rule match, the longer rule wins; ties allow.
func (r *RobotsTxt) IsAllowed(userAgent, path string) bool {
	g := r.groupFor(userAgent)
	if g == nil {
		return true
	}
	if path == "" {
		path = "/"
	}

	allowLen := longestMatch(g.allow, path)
	disallowLen := longestMatch(g.disallow, path)
	if disallowLen == 0 {
		return true
	}
	return allowLen >= disallowLen
}

// Delay returns the crawl-delay for the agent, zero when unset.
func (r *RobotsTxt) Delay(userAgent string) time.Duration {
	if g := r.groupFor(userAgent); g != nil {
		return g.CrawlDelay
	}
	return 0
}

// groupFor resolves the rule group: exact token, then substring match
// in either direction, then the * group.
func (r *RobotsTxt) groupFor(userAgent string) *AgentRules {
	userAgent = strings.ToLower(userAgent)
	if g, ok := r.groups[userAgent]; ok {
		return g
	}
	for agent, g := range r.groups {
		if agent == "*" {
			continue
		}
		if strings.Contains(userAgent, agent) || strings.Contains(agent, userAgent) {
			return g
		}
	}
	return r.groups["*"]
}

func longestMatch(rules []rule, path string) int {
	best := 0
	for _, ru := range rules {
		if ru.matches(path) && len(ru.raw) > best {
			best = len(ru.raw)
		}
	}
	return best
}

func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*$") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	if strings.HasSuffix(escaped, `\$`) {
		escaped = escaped[:len(escaped)-2] + "$"
	}
	re, err := regexp.Compile("^" + escaped)
	if err != nil {
		return nil
	}
	return re
}

// PathOf extracts the path (plus query) a robots rule matches against.
func PathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

// Directives are the page-level robots signals the pipeline honors,
// from a robots meta tag or an X-Robots-Tag header.
type Directives struct {
	NoIndex  bool
	NoFollow bool
}

// ParseDirectives reads a meta robots content value.
func ParseDirectives(content string) Directives {
	var d Directives
	for _, tok := range strings.Split(strings.ToLower(content), ",") {
		switch strings.TrimSpace(tok) {
		case "noindex":
			d.NoIndex = true
		case "nofollow":
			d.NoFollow = true
		case "none":
			d.NoIndex = true
			d.NoFollow = true
		}
	}
	return d
}

// ParseHeaderDirectives merges X-Robots-Tag header values. Agent-scoped
// values ("googlebot: noindex") apply only when the agent token appears
// in userAgent.
func ParseHeaderDirectives(values []string, userAgent string) Directives {
	var d Directives
	lowAgent := strings.ToLower(userAgent)
	for _, v := range values {
		v = strings.TrimSpace(v)
		if idx := strings.Index(v, ":"); idx != -1 {
			scope := strings.ToLower(strings.TrimSpace(v[:idx]))
			if scope != "" && !strings.Contains(scope, " ") && !strings.HasPrefix(scope, "max-") &&
				scope != "noindex" && scope != "nofollow" && scope != "none" {
				if !strings.Contains(lowAgent, scope) {
					continue
				}
				v = v[idx+1:]
			}
		}
		p := ParseDirectives(v)
		d.NoIndex = d.NoIndex || p.NoIndex
		d.NoFollow = d.NoFollow || p.NoFollow
	}
	return d
}
