// Package extractor fetches a page with colly and pulls bookmark metadata out
// of its HTML with goquery.
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 5 << 20
	defaultMaxText     = 4000
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	// MaxTextBytes bounds the visible text kept for enrichment.
	MaxTextBytes int
}

// Extractor implements bookmark.Extractor.
type Extractor struct {
	cfg           Config
	baseCollector *colly.Collector
}

type page struct {
	url    string
	status int
	body   []byte
}

// New builds an Extractor.
func New(cfg Config) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = defaultMaxText
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	c.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Extractor{cfg: cfg, baseCollector: c}
}

// Extract fetches rawURL and returns its metadata. Network failures,
// timeouts and non-2xx responses wrap bookmark.ErrFetchFailed.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (bookmark.Extraction, error) {
	fetched, err := e.fetch(ctx, rawURL)
	if err != nil {
		return bookmark.Extraction{}, fmt.Errorf("%w: %w", bookmark.ErrFetchFailed, err)
	}
	out, err := parse(fetched.url, fetched.body, e.cfg.MaxTextBytes)
	if err != nil {
		return bookmark.Extraction{}, fmt.Errorf("%w: %w", bookmark.ErrFetchFailed, err)
	}
	return out, nil
}

func (e *Extractor) fetch(ctx context.Context, rawURL string) (page, error) {
	var (
		result   page
		fetchErr error
	)
	collector := e.baseCollector.Clone()

	collector.OnResponse(func(r *colly.Response) {
		result = page{
			url:    r.Request.URL.String(),
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return page{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return page{}, fmt.Errorf("visit failed: %w", err)
		}
		if fetchErr != nil {
			return page{}, fmt.Errorf("response failed: %w", fetchErr)
		}
		if result.status < 200 || result.status > 299 {
			return page{}, fmt.Errorf("unexpected status %d", result.status)
		}
		return result, nil
	}
}

// parse reads metadata out of an HTML document fetched from pageURL.
func parse(pageURL string, body []byte, maxText int) (bookmark.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return bookmark.Extraction{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return bookmark.Extraction{}, fmt.Errorf("parse page url: %w", err)
	}

	out := bookmark.Extraction{FinalURL: pageURL}
	out.Title = firstNonEmpty(
		metaContent(doc, `meta[property="og:title"]`),
		strings.TrimSpace(doc.Find("title").First().Text()),
		metaContent(doc, `meta[name="twitter:title"]`),
		strings.TrimSpace(doc.Find("h1").First().Text()),
	)
	out.Description = firstNonEmpty(
		metaContent(doc, `meta[property="og:description"]`),
		metaContent(doc, `meta[name="description"]`),
		metaContent(doc, `meta[name="twitter:description"]`),
	)

	tags := bookmark.SplitKeywords(metaContent(doc, `meta[name="keywords"]`))
	doc.Find(`meta[property="article:tag"]`).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("content"); ok && strings.TrimSpace(v) != "" {
			tags = append(tags, strings.TrimSpace(v))
		}
	})
	out.Tags = tags

	if img := firstNonEmpty(
		metaContent(doc, `meta[property="og:image"]`),
		metaContent(doc, `meta[name="twitter:image"]`),
	); img != "" {
		out.OGImage = resolve(base, img)
	}

	doc.Find("link[rel]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel := strings.Fields(strings.ToLower(s.AttrOr("rel", "")))
		for _, r := range rel {
			if r == "icon" {
				if href := strings.TrimSpace(s.AttrOr("href", "")); href != "" {
					out.Favicon = resolve(base, href)
					return false
				}
			}
		}
		return true
	})
	if out.Favicon == "" {
		out.Favicon = (&url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/favicon.ico"}).String()
	}

	doc.Find("script, style, noscript").Remove()
	out.Text = truncate(strings.Join(strings.Fields(doc.Find("body").Text()), " "), maxText)
	return out, nil
}

func metaContent(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().AttrOr("content", ""))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
