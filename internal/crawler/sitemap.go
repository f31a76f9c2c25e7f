package crawler

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/pacer"
	"github.com/harvest-crawler/harvest/internal/queue"
)

const (
	// Sitemap indexes may nest; two levels covers index-of-index
	// layouts without letting a cycle run away.
	maxSitemapNesting = 2

	// Hard ceiling on URLs seeded from sitemaps when the crawl has no
	// page budget of its own.
	maxSitemapURLs = 5000
)

type sitemapRef struct {
	Loc string `xml:"loc"`
}

type urlsetDoc struct {
	URLs []sitemapRef `xml:"url"`
}

type sitemapIndexDoc struct {
	Sitemaps []sitemapRef `xml:"sitemap"`
}

// seedFromSitemaps discovers the site's sitemaps via robots.txt (with
// /sitemap.xml as the conventional fallback), walks them, and enqueues
// every listed URL that passes the crawl's URL policy. Returns how
// many sitemap documents were read and how many URLs were enqueued.
func (c *Controller) seedFromSitemaps(ctx context.Context) (int, int) {
	roots := c.robots.Sitemaps(ctx, c.seedScheme, c.seedHost)
	if len(roots) == 0 {
		roots = []string{c.seedScheme + "://" + c.seedHost + "/sitemap.xml"}
	}

	budget := maxSitemapURLs
	if c.opts.MaxPages > 0 && c.opts.MaxPages < budget {
		budget = c.opts.MaxPages
	}

	w := &sitemapWalker{c: c, budget: budget, seen: make(map[string]bool)}
	for _, root := range roots {
		w.walk(ctx, root, 0)
	}
	return w.fetched, w.enqueued
}

type sitemapWalker struct {
	c        *Controller
	budget   int
	seen     map[string]bool
	fetched  int
	enqueued int
}

func (w *sitemapWalker) walk(ctx context.Context, sitemapURL string, nesting int) {
	if ctx.Err() != nil || w.enqueued >= w.budget || w.seen[sitemapURL] {
		return
	}
	w.seen[sitemapURL] = true

	body, ok := w.fetch(ctx, sitemapURL)
	if !ok {
		return
	}
	w.fetched++
	fromID, err := w.c.urls.Intern(sitemapURL)
	if err != nil {
		fromID = 0
	}

	children, urls := parseSitemap(body)
	for _, child := range children {
		if nesting >= maxSitemapNesting {
			w.c.logger.Debug("sitemap nesting limit reached", zap.String("sitemap", sitemapURL))
			break
		}
		w.walk(ctx, child, nesting+1)
	}
	for _, raw := range urls {
		if w.enqueued >= w.budget {
			return
		}
		if w.enqueue(raw, fromID) {
			w.enqueued++
		}
	}
}

func (w *sitemapWalker) fetch(ctx context.Context, sitemapURL string) ([]byte, bool) {
	c := w.c
	u, err := url.Parse(sitemapURL)
	if err != nil || u.Host == "" {
		return nil, false
	}

	lease, err := c.pacer.Acquire(ctx, u.Host)
	if err != nil {
		return nil, false
	}
	resp := c.fetcher.Do(ctx, sitemapURL)
	if resp.Err != nil || resp.StatusCode != 200 {
		lease.Release(pacer.TransientError)
		c.logger.Debug("sitemap fetch failed",
			zap.String("sitemap", sitemapURL),
			zap.Int("status", resp.StatusCode),
			zap.Error(resp.Err))
		return nil, false
	}
	lease.Release(pacer.OK)

	body := resp.Body
	// Compressed sitemaps are usually served as application/gzip
	// rather than Content-Encoding, so sniff the magic bytes.
	if len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, false
		}
		defer zr.Close()
		if body, err = io.ReadAll(zr); err != nil {
			return nil, false
		}
	}
	return body, true
}

func (w *sitemapWalker) enqueue(rawURL string, fromID int64) bool {
	c := w.c
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	if c.opts.SameHostOnly && !strings.EqualFold(u.Host, c.seedHost) {
		return false
	}
	if !c.opts.ShouldCrawl(rawURL) {
		return false
	}
	urlID, err := c.urls.Intern(rawURL)
	if err != nil {
		return false
	}
	return c.queue.Enqueue(&queue.Request{
		URLID:          urlID,
		URL:            rawURL,
		Host:           u.Host,
		Depth:          1,
		Bucket:         queue.Discovery,
		Priority:       c.score.Priority(queue.Discovery, rawURL, 1),
		DiscoveredFrom: fromID,
	})
}

// parseSitemap reads either document flavor. A sitemap index yields
// child sitemap locations; a urlset yields page locations. Unknown
// roots yield nothing.
func parseSitemap(body []byte) (children, urls []string) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "sitemapindex":
			var doc sitemapIndexDoc
			if err := dec.DecodeElement(&doc, &start); err != nil {
				return nil, nil
			}
			for _, ref := range doc.Sitemaps {
				if loc := strings.TrimSpace(ref.Loc); loc != "" {
					children = append(children, loc)
				}
			}
			return children, nil
		case "urlset":
			var doc urlsetDoc
			if err := dec.DecodeElement(&doc, &start); err != nil {
				return nil, nil
			}
			for _, ref := range doc.URLs {
				if loc := strings.TrimSpace(ref.Loc); loc != "" {
					urls = append(urls, loc)
				}
			}
			return nil, urls
		default:
			return nil, nil
		}
	}
}
