// Package fetch issues HTTP requests and runs the per-request crawl
// pipeline: cache consultation, pacing, persistence, analysis and
// link discovery.
package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/storage"
)

const maxRedirects = 10

// Response is the outcome of one network fetch.
type Response struct {
	RequestURL   string
	FinalURL     string
	StatusCode   int
	Headers      http.Header
	ContentType  string
	Body         []byte
	BodySize     int64
	RedirectHops []storage.RedirectHop
	TTFB         time.Duration
	Duration     time.Duration
	RetryAfter   time.Duration
	Err          error
}

// OK reports whether the fetch produced a usable response.
func (r *Response) OK() bool {
	return r.Err == nil
}

// Fetcher issues GET requests. Redirects are followed manually so
// every hop is recorded.
type Fetcher struct {
	client      *http.Client
	transport   *http.Transport
	userAgent   string
	maxBodySize int64
	logger      *zap.Logger
}

// NewFetcher creates a fetcher with a pooled transport.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{},
	}

	f := &Fetcher{
		transport:   transport,
		userAgent:   cfg.UserAgent,
		maxBodySize: cfg.MaxResponseSize,
		logger:      logger.Named("fetch"),
	}
	f.client = &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// Redirects are handled in Do so each hop is captured.
			return http.ErrUseLastResponse
		},
	}
	return f
}

// SetMaxBodySize overrides the per-response body cap.
func (f *Fetcher) SetMaxBodySize(size int64) {
	if size > 0 {
		f.maxBodySize = size
	}
}

// Close releases idle connections.
func (f *Fetcher) Close() {
	f.transport.CloseIdleConnections()
}

// Do fetches rawURL, following up to maxRedirects hops. The returned
// Response always carries FinalURL and, on failure, a categorised Err.
func (f *Fetcher) Do(ctx context.Context, rawURL string) *Response {
	start := time.Now()
	out := &Response{
		RequestURL: rawURL,
		FinalURL:   rawURL,
	}

	currentURL := rawURL
	ttfbRecorded := false

	for i := 0; i <= maxRedirects; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, currentURL, nil)
		if err != nil {
			out.Err = errkind.Wrap(errkind.InvalidInput, err, "build request")
			out.Duration = time.Since(start)
			return out
		}
		f.setRequestHeaders(req)

		reqStart := time.Now()
		resp, err := f.client.Do(req)
		if err != nil {
			out.FinalURL = currentURL
			out.Err = categorizeNetError(err)
			out.Duration = time.Since(start)
			return out
		}

		if !ttfbRecorded {
			out.TTFB = time.Since(reqStart)
			ttfbRecorded = true
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			resp.Body.Close()

			out.RedirectHops = append(out.RedirectHops, storage.RedirectHop{
				URL:        currentURL,
				StatusCode: resp.StatusCode,
			})

			if location == "" {
				// Redirect without a target; record it as the final state.
				out.FinalURL = currentURL
				out.StatusCode = resp.StatusCode
				out.Headers = resp.Header
				out.Duration = time.Since(start)
				return out
			}

			next, rerr := resolveLocation(currentURL, location)
			if rerr != nil {
				out.FinalURL = currentURL
				out.StatusCode = resp.StatusCode
				out.Err = errkind.Wrap(errkind.ParseFailure, rerr, "redirect location")
				out.Duration = time.Since(start)
				return out
			}
			currentURL = next
			continue
		}

		out.FinalURL = currentURL
		out.StatusCode = resp.StatusCode
		out.Headers = resp.Header
		out.ContentType = mediaType(resp.Header.Get("Content-Type"))
		out.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())

		body, size, rerr := f.readBody(resp)
		resp.Body.Close()
		if rerr != nil {
			out.Err = errkind.Wrap(errkind.TransientNetwork, rerr, "read body")
			out.Duration = time.Since(start)
			return out
		}
		out.Body = body
		out.BodySize = size
		out.Duration = time.Since(start)
		return out
	}

	out.FinalURL = currentURL
	out.Err = errkind.Newf(errkind.PermanentHTTP, "redirect chain exceeded %d hops", maxRedirects)
	out.Duration = time.Since(start)
	return out
}

// FetchBytes runs one GET and hands back status and body. The robots
// evaluator and the ingestion payload loaders share it.
func (f *Fetcher) FetchBytes(ctx context.Context, rawURL string) (int, []byte, error) {
	resp := f.Do(ctx, rawURL)
	if resp.Err != nil {
		return 0, nil, resp.Err
	}
	return resp.StatusCode, resp.Body, nil
}

func (f *Fetcher) setRequestHeaders(req *http.Request) {
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Connection", "keep-alive")
}

// readBody reads the response body with gzip decoding and a size cap.
func (f *Fetcher) readBody(resp *http.Response) ([]byte, int64, error) {
	var reader io.Reader = resp.Body

	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("gzip decode: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(io.LimitReader(reader, f.maxBodySize))
	if err != nil {
		return nil, 0, err
	}
	return body, int64(len(body)), nil
}

// categorizeNetError folds transport failures into error kinds. DNS,
// dial, timeout and reset failures are transient; everything else is
// transient too since a later attempt may succeed.
func categorizeNetError(err error) error {
	if err == nil {
		return nil
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return errkind.Wrap(errkind.TransientNetwork, err, "timeout")
	}
	if _, ok := err.(*net.DNSError); ok {
		return errkind.Wrap(errkind.TransientNetwork, err, "dns")
	}
	if opErr, ok := err.(*net.OpError); ok && opErr.Op == "dial" {
		return errkind.Wrap(errkind.TransientNetwork, err, "dial")
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "tls:") || strings.Contains(msg, "certificate") {
		return errkind.Wrap(errkind.PermanentHTTP, err, "tls")
	}
	return errkind.Wrap(errkind.TransientNetwork, err, "network")
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// SubTypeOf maps a content type onto the sub-type names used for
// compression presets and cache TTLs.
func SubTypeOf(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return "html"
	case ct == "application/json" || strings.HasSuffix(ct, "+json"):
		return "json-entities"
	case strings.HasPrefix(ct, "text/"):
		return "text"
	default:
		return "binary"
	}
}

func resolveLocation(baseURL, location string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	loc, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(loc).String(), nil
}

func mediaType(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx != -1 {
		return strings.TrimSpace(contentType[:idx])
	}
	return strings.TrimSpace(contentType)
}
