package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

func TestDocumentStoreUpsertsByURL(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	ctx := context.Background()

	require.NoError(t, store.SaveDocuments(ctx, 4, []crawler.Document{
		{URL: "https://city.example/a.pdf", Title: "A"},
		{URL: "https://city.example/b.pdf", Title: "B"},
	}))
	require.NoError(t, store.SaveDocuments(ctx, 4, []crawler.Document{
		{URL: "https://city.example/a.pdf", Title: "A (amended)"},
		{URL: "https://city.example/c.pdf", Title: "C"},
	}))
	require.NoError(t, store.SaveDocuments(ctx, 5, []crawler.Document{{URL: "https://other.example/x.pdf"}}))

	docs, err := store.Documents(ctx, 4)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	require.Equal(t, "A (amended)", docs[0].Title)
	require.Equal(t, "https://city.example/c.pdf", docs[2].URL)

	empty, err := store.Documents(ctx, 99)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestDocumentStoreExtractionsAndAnalysesFollowDocumentOrder(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	ctx := context.Background()
	require.NoError(t, store.SaveDocuments(ctx, 1, []crawler.Document{
		{URL: "https://city.example/1.pdf"},
		{URL: "https://city.example/2.pdf"},
	}))
	require.NoError(t, store.SaveExtraction(ctx, crawler.Extraction{TargetID: 1, DocumentURL: "https://city.example/2.pdf", Bytes: 2}))
	require.NoError(t, store.SaveExtraction(ctx, crawler.Extraction{TargetID: 1, DocumentURL: "https://city.example/1.pdf", Bytes: 1}))
	require.NoError(t, store.SaveExtraction(ctx, crawler.Extraction{TargetID: 1, DocumentURL: "https://city.example/1.pdf", Bytes: 10}))
	require.NoError(t, store.SaveAnalysis(ctx, crawler.Analysis{TargetID: 1, DocumentURL: "https://city.example/2.pdf", Relevant: true}))

	extractions, err := store.Extractions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, extractions, 2)
	require.Equal(t, 10, extractions[0].Bytes)
	require.Equal(t, 2, extractions[1].Bytes)

	analyses, err := store.Analyses(ctx, 1)
	require.NoError(t, err)
	require.Len(t, analyses, 1)
	require.True(t, analyses[0].Relevant)
}
