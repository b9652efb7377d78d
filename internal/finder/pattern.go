// Package finder ships the built-in DocumentFinder implementations and the
// static registration table the registry resolves FinderRef values against.
package finder

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

// Option keys read from Target.Options.
const (
	OptDocumentSelector = "document_selector"
	OptFollowSelector   = "follow_selector"
	OptExtensions       = "extensions"
	OptFollowPattern    = "follow_pattern"
	OptKeywords         = "keywords"
	OptSameHost         = "same_host"
	OptDenyHosts        = "deny_hosts"
)

const (
	defaultSelector   = "a[href]"
	defaultExtensions = ".pdf,.doc,.docx"
)

// Pattern discovers documents by link extension and proposes follow links by
// selector and URL pattern. It is stateless after construction and safe for
// concurrent use.
type Pattern struct {
	documents  cascadia.Selector
	follow     cascadia.Selector
	extensions []string
	followRe   *regexp.Regexp
	keywords   []string
	sameHost   bool
	denyHosts  *hostSet
	noFollow   bool
	now        func() time.Time
}

// NewPattern builds a Pattern from target options. Broken options return an
// error wrapping crawler.ErrNotRetryable.
func NewPattern(opts map[string]string) (*Pattern, error) {
	get := func(key, def string) string {
		if v, ok := opts[key]; ok {
			return strings.TrimSpace(v)
		}
		return def
	}

	docSel, err := cascadia.Compile(get(OptDocumentSelector, defaultSelector))
	if err != nil {
		return nil, fmt.Errorf("compile %s: %v: %w", OptDocumentSelector, err, crawler.ErrNotRetryable)
	}
	p := &Pattern{
		documents: docSel,
		sameHost:  true,
		now:       func() time.Time { return time.Now().UTC() },
	}

	if raw := get(OptFollowSelector, defaultSelector); raw == "" {
		p.noFollow = true
	} else {
		p.follow, err = cascadia.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %v: %w", OptFollowSelector, err, crawler.ErrNotRetryable)
		}
	}

	for _, ext := range splitList(get(OptExtensions, defaultExtensions)) {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		p.extensions = append(p.extensions, ext)
	}

	if raw := get(OptFollowPattern, ""); raw != "" {
		p.followRe, err = regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %v: %w", OptFollowPattern, err, crawler.ErrNotRetryable)
		}
	}

	for _, kw := range splitList(get(OptKeywords, "")) {
		p.keywords = append(p.keywords, strings.ToLower(kw))
	}

	if raw := get(OptSameHost, ""); raw != "" {
		p.sameHost, err = strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %v: %w", OptSameHost, err, crawler.ErrNotRetryable)
		}
	}
	p.denyHosts = newHostSet(splitList(get(OptDenyHosts, "")))
	return p, nil
}

// Validate reports configuration that would never find anything.
func (p *Pattern) Validate() error {
	if len(p.extensions) == 0 {
		return fmt.Errorf("pattern finder: no document extensions: %w", crawler.ErrNotRetryable)
	}
	return nil
}

// FindDocuments returns the documents linked from body and the same-site
// pages worth following.
func (p *Pattern) FindDocuments(ctx context.Context, body []byte, pageURL string) ([]crawler.Document, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse page %s: %w", pageURL, err)
	}
	pageTitle := strings.TrimSpace(doc.Find("title").First().Text())

	var docs []crawler.Document
	seenDocs := make(map[string]struct{})
	doc.FindMatcher(p.documents).Each(func(_ int, s *goquery.Selection) {
		link, ok := p.resolve(s, pageURL)
		if !ok || !p.isDocument(link) || p.denyHosts.matchURL(link) {
			return
		}
		text := linkText(s)
		if !p.matchesKeywords(link, text) {
			return
		}
		if _, dup := seenDocs[link]; dup {
			return
		}
		seenDocs[link] = struct{}{}
		filename := crawler.FilenameFromURL(link)
		title := text
		if title == "" {
			title = filename
		}
		docs = append(docs, crawler.Document{
			URL:          link,
			Title:        title,
			Filename:     filename,
			SourcePage:   pageURL,
			DiscoveredAt: p.now(),
			Metadata: map[string]string{
				"extension":  strings.ToLower(path.Ext(filename)),
				"page_title": pageTitle,
			},
		})
	})

	if p.noFollow {
		return docs, nil, nil
	}

	var follow []string
	seenFollow := make(map[string]struct{})
	doc.FindMatcher(p.follow).Each(func(_ int, s *goquery.Selection) {
		link, ok := p.resolve(s, pageURL)
		if !ok || p.isDocument(link) {
			return
		}
		if p.sameHost && !crawler.SameHost(link, pageURL) {
			return
		}
		if p.denyHosts.matchURL(link) {
			return
		}
		if p.followRe != nil && !p.followRe.MatchString(link) {
			return
		}
		if _, dup := seenFollow[link]; dup {
			return
		}
		seenFollow[link] = struct{}{}
		follow = append(follow, link)
	})
	return docs, follow, nil
}

func (p *Pattern) resolve(s *goquery.Selection, pageURL string) (string, bool) {
	href, ok := s.Attr("href")
	if !ok {
		return "", false
	}
	link, err := crawler.ResolveURL(pageURL, href)
	if err != nil {
		return "", false
	}
	return link, true
}

func (p *Pattern) isDocument(link string) bool {
	lower := strings.ToLower(link)
	if i := strings.IndexByte(lower, '?'); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range p.extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func (p *Pattern) matchesKeywords(link, text string) bool {
	if len(p.keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(link + " " + text)
	for _, kw := range p.keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func linkText(s *goquery.Selection) string {
	text := strings.Join(strings.Fields(s.Text()), " ")
	if text != "" {
		return text
	}
	if title, ok := s.Attr("title"); ok {
		return strings.TrimSpace(title)
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
