// Package analyze classifies fetched pages into the crawl taxonomy and
// extracts the signals the classification rests on. Analysis is a pure
// function of its input plus the supplied gazetteer and topic indexes,
// so identical input always yields identical output.
package analyze

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/harvest-crawler/harvest/internal/gazetteer"
	"github.com/harvest-crawler/harvest/internal/parse"
	"github.com/harvest-crawler/harvest/internal/simhash"
	"github.com/harvest-crawler/harvest/internal/storage"
)

// Classification values. Hubs are split by whether place and topic
// segments shape the URL.
const (
	ClassArticle            = "article"
	ClassNav                = "nav"
	ClassHub                = "hub"
	ClassPlaceHub           = "place-hub"
	ClassPlacePlaceHub      = "place-place-hub"
	ClassTopicHub           = "topic-hub"
	ClassPlaceTopicHub      = "place-topic-hub"
	ClassPlacePlaceTopicHub = "place-place-topic-hub"
	ClassIndex              = "index"
	ClassListing            = "listing"
	ClassCategory           = "category"
	ClassError              = "error"
	ClassRedirect           = "redirect"
	ClassAPIResponse        = "api-response"
	ClassImage              = "image"
	ClassVideo              = "video"
	ClassAudio              = "audio"
	ClassDocument           = "document"
	ClassPDF                = "pdf"
	ClassUnknown            = "unknown"
)

// Classifications is the full fixed taxonomy.
var Classifications = []string{
	ClassArticle, ClassNav, ClassHub, ClassPlaceHub, ClassPlacePlaceHub,
	ClassTopicHub, ClassPlaceTopicHub, ClassPlacePlaceTopicHub, ClassIndex,
	ClassListing, ClassCategory, ClassError, ClassRedirect, ClassAPIResponse,
	ClassImage, ClassVideo, ClassAudio, ClassDocument, ClassPDF, ClassUnknown,
}

// IsHub reports whether a classification is any of the hub kinds.
func IsHub(class string) bool {
	switch class {
	case ClassHub, ClassPlaceHub, ClassPlacePlaceHub, ClassTopicHub,
		ClassPlaceTopicHub, ClassPlacePlaceTopicHub:
		return true
	}
	return false
}

// Classifier thresholds.
const (
	minHubLinks      = 10  // links before a page can be any hub kind
	minArticleWords  = 300 // prose length that makes an article on its own
	minSlugWords     = 150 // prose length required behind a slug URL
	minListingLinks  = 15  // article-like links that make a listing
	textMatchExcerpt = 2000
)

// Input is one fetched page as the classifier sees it.
type Input struct {
	URL        string // canonical
	URLID      int64
	ContentID  int64
	StatusCode int
	Headers    map[string]string
	Body       []byte
	// Page is nil when the body is not HTML or did not parse.
	Page *parse.Page
}

// Analyzer classifies pages against a gazetteer and topic vocabulary.
type Analyzer struct {
	gaz    *gazetteer.Index
	topics *TopicIndex
}

// New creates an analyzer. Both indexes may be empty but not nil.
func New(gaz *gazetteer.Index, topics *TopicIndex) *Analyzer {
	return &Analyzer{gaz: gaz, topics: topics}
}

// Analyze classifies one page. It never returns nil.
func (a *Analyzer) Analyze(in *Input) *storage.Analysis {
	out := &storage.Analysis{
		ContentID: in.ContentID,
		URLID:     in.URLID,
		Signals:   map[string]any{},
	}
	out.Signals["status"] = in.StatusCode

	parsedURL, _ := url.Parse(in.URL)
	path := ""
	query := ""
	if parsedURL != nil {
		path = parsedURL.Path
		query = parsedURL.RawQuery
	}

	contentType := mainContentType(in.Headers)
	out.Signals["content_type"] = contentType

	// Status and media rules come before anything content-based.
	if class, ok := statusClass(in.StatusCode); ok {
		out.Classification = class
		out.Signals["rule"] = "status"
		return out
	}
	if class, ok := mediaClass(contentType); ok {
		out.Classification = class
		out.Signals["rule"] = "content-type"
		return out
	}
	if in.Page == nil {
		out.Classification = ClassUnknown
		out.Signals["rule"] = "unparsed"
		return out
	}

	page := in.Page
	out.Title = pickTitle(page)
	out.WordCount = page.WordCount
	out.Language = page.Language
	out.SimHash = simhash.Hash(page.TextContent)
	out.PublishedAt = extractDate(page, path)

	nav, articleLike := countLinkKinds(page.Links)
	out.NavLinkCount = nav
	out.ArticleLinkCount = articleLike
	totalLinks := len(page.Links)
	out.Signals["total_links"] = totalLinks
	out.Signals["article_links"] = articleLike
	out.Signals["nav_links"] = nav
	out.Signals["word_count"] = page.WordCount

	placeSegs, topicSegs, lastMatched := a.pathMatches(path)
	out.Signals["place_segments"] = placeSegs
	out.Signals["topic_segments"] = topicSegs

	out.PlaceIDs = a.detectPlaces(page, path)
	out.TopicIDs = a.detectTopics(page, path)

	out.Classification, out.Signals["rule"] = a.classify(
		page, path, query, totalLinks, articleLike, nav, placeSegs, topicSegs, lastMatched)
	return out
}

// classify runs the rule ladder. Rules are ordered; the first match
// wins, which keeps the output deterministic.
func (a *Analyzer) classify(page *parse.Page, path, query string,
	totalLinks, articleLike, nav, placeSegs, topicSegs int, lastMatched bool) (string, string) {

	// 1. Site root.
	if path == "" || path == "/" {
		return ClassIndex, "root-path"
	}

	// 2. Strong article markers from metadata.
	if page.OpenGraph["og:type"] == "article" {
		return ClassArticle, "og-article"
	}
	if page.MetaTags["article:published_time"] != "" {
		return ClassArticle, "published-meta"
	}

	// 3. Hub family: the path's own tail names a place or topic and the
	// page carries enough links to act as one.
	if lastMatched && totalLinks >= minHubLinks {
		switch {
		case placeSegs >= 2 && topicSegs >= 1:
			return ClassPlacePlaceTopicHub, "hub-path"
		case placeSegs >= 2:
			return ClassPlacePlaceHub, "hub-path"
		case placeSegs == 1 && topicSegs >= 1:
			return ClassPlaceTopicHub, "hub-path"
		case placeSegs == 1:
			return ClassPlaceHub, "hub-path"
		default:
			return ClassTopicHub, "hub-path"
		}
	}

	// 4. Pagination.
	if isPaginated(path, query) {
		return ClassListing, "pagination"
	}

	// 5. Prose-driven article detection.
	last := lastSegment(path)
	if slugLike(last) && page.WordCount >= minSlugWords {
		return ClassArticle, "slug-article"
	}
	if page.WordCount >= minArticleWords && totalLinks < minHubLinks {
		return ClassArticle, "long-prose"
	}

	// 6. Link-shape fallbacks.
	if articleLike >= minListingLinks {
		return ClassListing, "article-links"
	}
	if totalLinks >= minHubLinks {
		if segs := nonEmptySegments(path); len(segs) == 1 {
			return ClassCategory, "single-segment"
		}
		if articleLike <= 2 && page.WordCount < minSlugWords {
			return ClassNav, "link-menu"
		}
		if articleLike >= 5 {
			return ClassHub, "link-heavy"
		}
	}

	return ClassUnknown, "fallthrough"
}

// pathMatches counts path segments naming places and topics and whether
// the final segment is one of them.
func (a *Analyzer) pathMatches(path string) (placeSegs, topicSegs int, lastMatched bool) {
	segs := nonEmptySegments(path)
	for i, seg := range segs {
		matched := false
		if len(a.gaz.Lookup(gazetteer.NormalizeName(seg))) > 0 {
			placeSegs++
			matched = true
		}
		if _, ok := a.topics.MatchSegment(seg); ok {
			topicSegs++
			matched = true
		}
		if matched && i == len(segs)-1 {
			lastMatched = true
		}
	}
	return placeSegs, topicSegs, lastMatched
}

func (a *Analyzer) detectPlaces(page *parse.Page, path string) []int64 {
	seen := make(map[int64]bool)
	for _, id := range a.gaz.MatchPath(path) {
		seen[id] = true
	}
	for _, id := range a.gaz.Match(matchableText(page)) {
		seen[id] = true
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *Analyzer) detectTopics(page *parse.Page, path string) []string {
	seen := make(map[string]bool)
	for _, id := range a.topics.MatchPath(path) {
		seen[id] = true
	}
	for _, id := range a.topics.MatchText(matchableText(page)) {
		seen[id] = true
	}
	return sortedTopics(seen)
}

// matchableText is the slice of the page the index matchers scan:
// title, headings, then a bounded excerpt of the body text.
func matchableText(page *parse.Page) string {
	var b strings.Builder
	b.WriteString(page.Title)
	b.WriteString(" ")
	for _, h := range page.H1 {
		b.WriteString(h)
		b.WriteString(" ")
	}
	text := page.TextContent
	if len(text) > textMatchExcerpt {
		text = text[:textMatchExcerpt]
	}
	b.WriteString(text)
	return b.String()
}

func statusClass(status int) (string, bool) {
	switch {
	case status >= 400:
		return ClassError, true
	case status >= 300:
		return ClassRedirect, true
	}
	return "", false
}

func mediaClass(contentType string) (string, bool) {
	switch {
	case contentType == "application/json" || strings.HasSuffix(contentType, "+json"):
		return ClassAPIResponse, true
	case contentType == "application/pdf":
		return ClassPDF, true
	case strings.HasPrefix(contentType, "image/"):
		return ClassImage, true
	case strings.HasPrefix(contentType, "video/"):
		return ClassVideo, true
	case strings.HasPrefix(contentType, "audio/"):
		return ClassAudio, true
	case strings.Contains(contentType, "msword"),
		strings.Contains(contentType, "officedocument"),
		strings.Contains(contentType, "opendocument"):
		return ClassDocument, true
	}
	return "", false
}

func mainContentType(headers map[string]string) string {
	ct := headers["Content-Type"]
	if ct == "" {
		ct = headers["content-type"]
	}
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = ct[:idx]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func pickTitle(page *parse.Page) string {
	if page.Title != "" {
		return page.Title
	}
	if og := page.OpenGraph["og:title"]; og != "" {
		return og
	}
	if len(page.H1) > 0 {
		return page.H1[0]
	}
	return ""
}

var (
	urlDateSlash = regexp.MustCompile(`/((?:19|20)\d{2})/(\d{1,2})(?:/(\d{1,2}))?(?:/|$)`)
	urlDateDash  = regexp.MustCompile(`((?:19|20)\d{2})-(\d{2})-(\d{2})`)
	pageNumber   = regexp.MustCompile(`^(?:page|p)?\d+$`)
)

// dateMetaKeys are checked in order; the first present wins.
var dateMetaKeys = []string{
	"article:published_time",
	"date",
	"dcterms.date",
	"parsely-pub-date",
	"sailthru.date",
}

// extractDate pulls a published date from page metadata, falling back
// to date-shaped URL path components. Returns "" when nothing matches.
func extractDate(page *parse.Page, path string) string {
	for _, key := range dateMetaKeys {
		if v := page.MetaTags[key]; v != "" {
			return normalizeDate(v)
		}
	}
	if v := page.OpenGraph["og:published_time"]; v != "" {
		return normalizeDate(v)
	}
	if m := urlDateDash.FindStringSubmatch(path); m != nil {
		return m[1] + "-" + m[2] + "-" + m[3]
	}
	if m := urlDateSlash.FindStringSubmatch(path); m != nil {
		day := m[3]
		if day == "" {
			day = "1"
		}
		return m[1] + "-" + pad2(m[2]) + "-" + pad2(day)
	}
	return ""
}

// normalizeDate reduces common timestamp layouts to YYYY-MM-DD, keeping
// the raw value when it does not parse.
func normalizeDate(v string) string {
	for _, layout := range []string{
		time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02",
	} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.Format("2006-01-02")
		}
	}
	return v
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// countLinkKinds splits links into navigation-looking and
// article-looking by their target path shape.
func countLinkKinds(links []parse.Link) (nav, articleLike int) {
	for _, l := range links {
		u, err := url.Parse(l.URL)
		if err != nil {
			nav++
			continue
		}
		if slugLike(lastSegment(u.Path)) || urlDateSlash.MatchString(u.Path) {
			articleLike++
		} else {
			nav++
		}
	}
	return nav, articleLike
}

// slugLike reports whether a path segment looks like an article slug:
// long, or multi-word with hyphens.
func slugLike(seg string) bool {
	if seg == "" || pageNumber.MatchString(strings.ToLower(seg)) {
		return false
	}
	if strings.Count(seg, "-") >= 3 {
		return true
	}
	return len(seg) >= 25
}

func isPaginated(path, query string) bool {
	segs := nonEmptySegments(path)
	for i, seg := range segs {
		if strings.EqualFold(seg, "page") && i+1 < len(segs) && pageNumber.MatchString(segs[i+1]) {
			return true
		}
	}
	if query == "" {
		return false
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return false
	}
	return values.Get("page") != "" || values.Get("offset") != ""
}

func lastSegment(path string) string {
	segs := nonEmptySegments(path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func nonEmptySegments(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
