package memory

import (
	"context"
	"sync"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

// DocumentStore keeps the documents, extractions, and analyses produced by
// the pipeline phases, keyed by target and deduplicated by document URL.
type DocumentStore struct {
	mu          sync.RWMutex
	documents   map[int][]crawler.Document
	docIndex    map[int]map[string]int
	extractions map[int]map[string]crawler.Extraction
	analyses    map[int]map[string]crawler.Analysis
}

// NewDocumentStore constructs an empty DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		documents:   make(map[int][]crawler.Document),
		docIndex:    make(map[int]map[string]int),
		extractions: make(map[int]map[string]crawler.Extraction),
		analyses:    make(map[int]map[string]crawler.Analysis),
	}
}

// SaveDocuments upserts docs for a target. A document already stored under
// the same URL is replaced in place.
func (s *DocumentStore) SaveDocuments(_ context.Context, targetID int, docs []crawler.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.docIndex[targetID]
	if !ok {
		idx = make(map[string]int)
		s.docIndex[targetID] = idx
	}
	for _, d := range docs {
		if pos, exists := idx[d.URL]; exists {
			s.documents[targetID][pos] = d
			continue
		}
		idx[d.URL] = len(s.documents[targetID])
		s.documents[targetID] = append(s.documents[targetID], d)
	}
	return nil
}

// Documents returns a copy of a target's documents in discovery order.
func (s *DocumentStore) Documents(_ context.Context, targetID int) ([]crawler.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.Document(nil), s.documents[targetID]...), nil
}

// SaveExtraction upserts an extraction keyed by document URL.
func (s *DocumentStore) SaveExtraction(_ context.Context, extraction crawler.Extraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byURL, ok := s.extractions[extraction.TargetID]
	if !ok {
		byURL = make(map[string]crawler.Extraction)
		s.extractions[extraction.TargetID] = byURL
	}
	byURL[extraction.DocumentURL] = extraction
	return nil
}

// Extractions returns a target's extractions in document order.
func (s *DocumentStore) Extractions(_ context.Context, targetID int) ([]crawler.Extraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byURL := s.extractions[targetID]
	out := make([]crawler.Extraction, 0, len(byURL))
	for _, d := range s.documents[targetID] {
		if ex, ok := byURL[d.URL]; ok {
			out = append(out, ex)
		}
	}
	return out, nil
}

// SaveAnalysis upserts an analysis keyed by document URL.
func (s *DocumentStore) SaveAnalysis(_ context.Context, analysis crawler.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byURL, ok := s.analyses[analysis.TargetID]
	if !ok {
		byURL = make(map[string]crawler.Analysis)
		s.analyses[analysis.TargetID] = byURL
	}
	byURL[analysis.DocumentURL] = analysis
	return nil
}

// Analyses returns a target's analyses in document order.
func (s *DocumentStore) Analyses(_ context.Context, targetID int) ([]crawler.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byURL := s.analyses[targetID]
	out := make([]crawler.Analysis, 0, len(byURL))
	for _, d := range s.documents[targetID] {
		if a, ok := byURL[d.URL]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}
