// Package extract turns discovered documents into text for analysis.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/clock/system"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/fetch"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/hash/sha256"
)

// Fetcher retrieves a document body.
type Fetcher interface {
	FetchWithRetry(ctx context.Context, rawURL string) (fetch.Response, error)
}

// DefaultMaxTextBytes bounds the text kept per document.
const DefaultMaxTextBytes = 1 << 20

var boilerplate = "script, style, noscript, nav, header, footer, iframe, svg, form"

// Option configures an Extractor.
type Option func(*Extractor)

// WithHasher replaces the content hasher.
func WithHasher(h crawler.Hasher) Option {
	return func(e *Extractor) { e.hasher = h }
}

// WithClock replaces the clock.
func WithClock(c crawler.Clock) Option {
	return func(e *Extractor) { e.clock = c }
}

// WithMaxTextBytes caps stored text; zero or less keeps the default.
func WithMaxTextBytes(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxText = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Extractor fetches documents, converts HTML pages to markdown text and pulls
// shown text out of PDFs. Other formats are fingerprinted only.
type Extractor struct {
	hasher  crawler.Hasher
	clock   crawler.Clock
	conv    *converter.Converter
	maxText int
	logger  *zap.Logger
}

// New constructs an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		hasher:  sha256.New(),
		clock:   system.New(),
		maxText: DefaultMaxTextBytes,
		logger:  zap.NewNop(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract fetches doc with fetcher and returns its extraction.
func (e *Extractor) Extract(ctx context.Context, fetcher Fetcher, targetID int, doc crawler.Document) (crawler.Extraction, error) {
	resp, err := fetcher.FetchWithRetry(ctx, doc.URL)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("fetch document %s: %w", doc.URL, err)
	}
	return e.FromBody(targetID, doc, resp.Header, resp.Body)
}

// FromBody builds an extraction from an already fetched body.
func (e *Extractor) FromBody(targetID int, doc crawler.Document, header http.Header, body []byte) (crawler.Extraction, error) {
	digest, err := e.hasher.Hash(body)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("hash %s: %w", doc.URL, err)
	}
	out := crawler.Extraction{
		TargetID:    targetID,
		DocumentURL: doc.URL,
		Title:       doc.Title,
		ContentType: contentType(header, body),
		ContentHash: digest,
		Bytes:       len(body),
		ExtractedAt: e.clock.Now(),
	}

	switch out.ContentType {
	case "text/html", "application/xhtml+xml":
		title, text, err := e.html(body, doc.URL)
		if err != nil {
			return crawler.Extraction{}, fmt.Errorf("convert %s: %w", doc.URL, err)
		}
		if out.Title == "" {
			out.Title = title
		}
		out.Text = e.truncate(text)
	case "text/plain":
		out.Text = e.truncate(strings.TrimSpace(string(body)))
	case "application/pdf":
		pages, text, err := pdfText(body)
		if err != nil {
			e.logger.Debug("pdf fingerprinted only", zap.String("url", doc.URL), zap.Error(err))
			break
		}
		out.Pages = pages
		out.Text = e.truncate(text)
	default:
		e.logger.Debug("non-text document fingerprinted only",
			zap.String("url", doc.URL),
			zap.String("content_type", out.ContentType),
			zap.Int("bytes", out.Bytes),
		)
	}
	return out, nil
}

func (e *Extractor) html(body []byte, pageURL string) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find(boilerplate).Remove()

	root := doc.Find("main").First()
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}
	if root.Length() == 0 {
		root = doc.Selection
	}
	fragment, err := goquery.OuterHtml(root)
	if err != nil {
		return "", "", fmt.Errorf("render html: %w", err)
	}
	fallback := collapseSpace(root.Text())

	md, err := e.conv.ConvertString(fragment, converter.WithDomain(pageURL))
	if err != nil || strings.TrimSpace(md) == "" {
		return title, fallback, nil
	}
	return title, strings.TrimSpace(md), nil
}

func (e *Extractor) truncate(s string) string {
	if len(s) <= e.maxText {
		return s
	}
	cut := e.maxText
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func contentType(header http.Header, body []byte) string {
	raw := header.Get("Content-Type")
	if raw == "" || strings.HasPrefix(raw, "application/octet-stream") {
		raw = http.DetectContentType(body)
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(raw, ";", 2)[0]))
	}
	return mediaType
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
