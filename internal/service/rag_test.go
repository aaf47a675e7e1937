package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragctl/internal/apperr"
	"github.com/knoguchi/ragctl/internal/repository"
	"github.com/knoguchi/ragctl/internal/vectorstore"
)

func TestRAGService_EmbedTexts(t *testing.T) {
	emb := &fakeEmbedder{}
	svc := NewRAGService(nil, nil, emb, nil, nil, nil)

	out, err := svc.EmbedTexts(context.Background(), []string{"hello", "hi"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, 1, emb.calls)
}

func TestRAGService_EmbedTexts_RejectsEmpty(t *testing.T) {
	svc := NewRAGService(nil, nil, &fakeEmbedder{}, nil, nil, nil)

	_, err := svc.EmbedTexts(context.Background(), nil)
	assert.Error(t, err)
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func TestRAGService_EmbedTexts_WrapsEmbedderError(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("backend down")}
	svc := NewRAGService(nil, nil, emb, nil, nil, nil)

	_, err := svc.EmbedTexts(context.Background(), []string{"x"})
	assert.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestRAGService_SearchByVector(t *testing.T) {
	tenant := &repository.Tenant{
		ID:     uuid.New(),
		Config: repository.TenantConfig{TopK: 4, MinScore: 0.3},
	}
	store := &fakeVectorStore{results: []vectorstore.SearchResult{
		{ID: "c1", DocumentID: "d1", Content: "alpha", Score: 0.9, Metadata: map[string]string{"source": "a.txt"}},
		{ID: "c2", DocumentID: "d2", Content: "beta", Score: 0.8, Metadata: map[string]string{"source": "b.txt"}},
	}}
	svc := NewRAGService(newFakeTenantRepo(tenant), nil, nil, store, nil, nil)

	chunks, err := svc.SearchByVector(context.Background(), SearchByVectorInput{
		TenantID:  tenant.ID,
		Embedding: []float32{1, 2, 3},
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "c1", chunks[0].ChunkID)
	assert.Equal(t, "a.txt", chunks[0].Source)
}

func TestRAGService_SearchByVector_FiltersByMetadata(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New(), Config: repository.TenantConfig{TopK: 4}}
	store := &fakeVectorStore{results: []vectorstore.SearchResult{
		{ID: "c1", DocumentID: "d1", Content: "alpha", Metadata: map[string]string{"source": "a.txt"}},
		{ID: "c2", DocumentID: "d2", Content: "beta", Metadata: map[string]string{"source": "b.txt"}},
	}}
	svc := NewRAGService(newFakeTenantRepo(tenant), nil, nil, store, nil, nil)

	chunks, err := svc.SearchByVector(context.Background(), SearchByVectorInput{
		TenantID:  tenant.ID,
		Embedding: []float32{1},
		Filters:   map[string]string{"source": "b.txt"},
	})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "c2", chunks[0].ChunkID)
}

func TestRAGService_SearchByVector_RejectsEmptyEmbedding(t *testing.T) {
	svc := NewRAGService(newFakeTenantRepo(), nil, nil, &fakeVectorStore{}, nil, nil)

	_, err := svc.SearchByVector(context.Background(), SearchByVectorInput{TenantID: uuid.New()})
	assert.Error(t, err)
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func TestRAGService_SearchByVector_UnknownTenant(t *testing.T) {
	svc := NewRAGService(newFakeTenantRepo(), nil, nil, &fakeVectorStore{}, nil, nil)

	_, err := svc.SearchByVector(context.Background(), SearchByVectorInput{
		TenantID:  uuid.New(),
		Embedding: []float32{1},
	})
	assert.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRAGService_Query_NoRelevantChunks_SkipsGeneration(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New(), Config: repository.TenantConfig{TopK: 4, MinScore: 0.5}}
	store := &fakeVectorStore{results: nil}
	llmClient := &fakeLLM{}
	svc := NewRAGService(newFakeTenantRepo(tenant), nil, &fakeEmbedder{}, store, llmClient, nil)

	result, err := svc.Query(context.Background(), QueryInput{TenantID: tenant.ID, Query: "what is the refund policy?"})
	require.NoError(t, err)
	assert.Equal(t, noRelevantContextAnswer, result.Answer)
	assert.Empty(t, result.Sources)
	assert.Equal(t, 0, llmClient.calls, "no relevant chunks should skip the LLM call entirely")
}

func TestRAGService_Query_ContextTokenBudget_TrimsChunks(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New(), Config: repository.TenantConfig{
		TopK: 3, ContextTokenBudget: 5,
	}}
	store := &fakeVectorStore{results: []vectorstore.SearchResult{
		{ID: "c1", DocumentID: "d1", Content: "one two three", Score: 0.9},
		{ID: "c2", DocumentID: "d2", Content: "four five six seven", Score: 0.8},
		{ID: "c3", DocumentID: "d3", Content: "eight nine", Score: 0.7},
	}}
	llmClient := &fakeLLM{answer: "grounded answer"}
	svc := NewRAGService(newFakeTenantRepo(tenant), nil, &fakeEmbedder{}, store, llmClient, nil)

	result, err := svc.Query(context.Background(), QueryInput{TenantID: tenant.ID, Query: "summarize"})
	require.NoError(t, err)
	require.Len(t, result.Sources, 1, "only the first chunk fits the 5-token budget")
	assert.Equal(t, "c1", result.Sources[0].ChunkID)
	assert.Equal(t, 1, llmClient.calls)
	assert.Contains(t, llmClient.lastText, "one two three")
	assert.NotContains(t, llmClient.lastText, "four five six seven")
}
