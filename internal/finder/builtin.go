package finder

import (
	"maps"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

// Builtins returns the static FinderRef table. New site-specific finders
// register here.
func Builtins() map[string]crawler.FinderFactory {
	return map[string]crawler.FinderFactory{
		"pattern":   patternFactory,
		"pdf-links": pdfLinksFactory,
	}
}

func patternFactory(target crawler.Target) (crawler.DocumentFinder, error) {
	return NewPattern(target.Options)
}

// pdfLinksFactory only harvests PDFs from the entry pages. Target options
// may still narrow it with keywords or a document selector.
func pdfLinksFactory(target crawler.Target) (crawler.DocumentFinder, error) {
	opts := maps.Clone(target.Options)
	if opts == nil {
		opts = make(map[string]string)
	}
	opts[OptExtensions] = ".pdf"
	opts[OptFollowSelector] = ""
	return NewPattern(opts)
}
