// Package testutil provides the HTTP fixtures shared by pipeline,
// crawler and engine tests.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Page is one canned response.
type Page struct {
	Content     string
	ContentType string
	StatusCode  int
	Headers     map[string]string
}

// Server wraps httptest.Server with per-path pages, redirects, forced
// errors, delays and hit counting.
type Server struct {
	HTTP *httptest.Server

	mu        sync.RWMutex
	pages     map[string]*Page
	delays    map[string]time.Duration
	errors    map[string]int
	redirects map[string]string
	hits      map[string]int
}

// NewServer starts an empty test server. Unknown paths return 404.
func NewServer() *Server {
	s := &Server{
		pages:     make(map[string]*Page),
		delays:    make(map[string]time.Duration),
		errors:    make(map[string]int),
		redirects: make(map[string]string),
		hits:      make(map[string]int),
	}
	s.HTTP = httptest.NewServer(http.HandlerFunc(s.handler))
	return s
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	s.mu.Lock()
	s.hits[path]++
	s.mu.Unlock()

	s.mu.RLock()
	delay := s.delays[path]
	errorCode := s.errors[path]
	redirect := s.redirects[path]
	page := s.pages[path]
	s.mu.RUnlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if redirect != "" {
		http.Redirect(w, r, redirect, http.StatusMovedPermanently)
		return
	}
	if errorCode > 0 {
		w.WriteHeader(errorCode)
		return
	}
	if page != nil {
		for k, v := range page.Headers {
			w.Header().Set(k, v)
		}
		if page.ContentType != "" {
			w.Header().Set("Content-Type", page.ContentType)
		} else {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		if page.StatusCode > 0 {
			w.WriteHeader(page.StatusCode)
		}
		io.WriteString(w, page.Content)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

// AddPage registers an HTML page served with status 200.
func (s *Server) AddPage(path, content string) {
	s.AddPageWithType(path, content, "text/html; charset=utf-8")
}

// AddPageWithType registers a page with an explicit content type.
func (s *Server) AddPageWithType(path, content, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = &Page{Content: content, ContentType: contentType, StatusCode: 200}
}

// AddPageWithStatus registers an HTML page with an explicit status.
func (s *Server) AddPageWithStatus(path, content string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = &Page{Content: content, ContentType: "text/html; charset=utf-8", StatusCode: status}
}

// AddRawPage registers a page with full control over headers.
func (s *Server) AddRawPage(path string, page *Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = page
}

// SetRedirect makes a path answer 301 to the given location.
func (s *Server) SetRedirect(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirects[from] = to
}

// SetError forces a bare status code for a path.
func (s *Server) SetError(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[path] = status
}

// ClearError removes a forced error.
func (s *Server) ClearError(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errors, path)
}

// SetDelay delays responses for a path.
func (s *Server) SetDelay(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[path] = d
}

// Hits reports how many requests a path received.
func (s *Server) Hits(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hits[path]
}

// TotalHits reports all requests served.
func (s *Server) TotalHits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.hits {
		n += c
	}
	return n
}

// URL returns the server base URL.
func (s *Server) URL() string {
	return s.HTTP.URL
}

// Close shuts the server down.
func (s *Server) Close() {
	s.HTTP.Close()
}

// newsSections maps section paths to article slugs used by
// BuildNewsSite.
var newsSections = map[string][]string{
	"world": {
		"olive-harvest-begins-across-the-levant",
		"rail-link-reopens-between-border-towns",
		"island-nations-sign-fisheries-accord",
	},
	"politics": {
		"senate-panel-advances-budget-overhaul",
		"mayors-press-for-transit-funding-deal",
		"election-board-certifies-runoff-results",
	},
	"business": {
		"chipmaker-expands-assembly-plant-upstate",
		"grain-exports-rebound-after-port-repairs",
		"startup-raises-round-for-cold-chain-logistics",
	},
}

// BuildNewsSite populates the server with a small news site: a home
// page, three section hubs, nine slug articles, a robots-blocked
// path, and robots.txt. Thirteen fetchable pages in total.
func (s *Server) BuildNewsSite() {
	home := `<!DOCTYPE html>
<html>
<head><title>The Daily Ledger</title></head>
<body>
<nav>
  <a href="/world">World</a>
  <a href="/politics">Politics</a>
  <a href="/business">Business</a>
</nav>
<main>
  <a href="/world/olive-harvest-begins-across-the-levant">Olive harvest begins</a>
  <a href="/politics/senate-panel-advances-budget-overhaul">Budget overhaul advances</a>
  <a href="/business/chipmaker-expands-assembly-plant-upstate">Chipmaker expands</a>
</main>
</body>
</html>`
	s.AddPage("/", home)

	for section, slugs := range newsSections {
		var links string
		for _, slug := range slugs {
			links += fmt.Sprintf("  <a href=\"/%s/%s\">%s</a>\n", section, slug, slug)
		}
		hub := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>%s | The Daily Ledger</title></head>
<body>
<nav><a href="/">Home</a></nav>
%s</body>
</html>`, section, links)
		s.AddPage("/"+section, hub)

		for i, slug := range slugs {
			s.AddPage(fmt.Sprintf("/%s/%s", section, slug), newsArticle(section, slug, i))
		}
	}

	s.AddPage("/private/editorial-calendar", "<html><body>internal notes</body></html>")

	s.AddPageWithType("/robots.txt", "User-agent: *\nDisallow: /private/\n", "text/plain")
}

func newsArticle(section, slug string, day int) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
  <title>%s</title>
  <meta property="og:type" content="article">
  <meta property="og:title" content="%s">
  <meta property="article:published_time" content="2026-03-%02dT09:00:00Z">
</head>
<body>
  <h1>%s</h1>
  <p>Correspondents filed this dispatch after two days of interviews with
  officials, residents and independent observers along the affected
  corridor, where preparations had been under way since early spring.</p>
  <p>Local authorities said the first phase would conclude before the end
  of the month, pending a final round of inspections, while community
  groups pressed for a published timetable and an open accounting of the
  costs involved in the effort.</p>
  <p><a href="/%s">More %s coverage</a></p>
</body>
</html>`, slug, slug, day+1, slug, section, section)
}
