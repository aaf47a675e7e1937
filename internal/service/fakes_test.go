package service

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/knoguchi/ragctl/internal/embedder"
	"github.com/knoguchi/ragctl/internal/llm"
	"github.com/knoguchi/ragctl/internal/repository"
	"github.com/knoguchi/ragctl/internal/vectorstore"
)

// fakeLLM is a deterministic llm.LLM for service tests: it echoes back a fixed
// answer and records the prompt it was called with.
type fakeLLM struct {
	mu       sync.Mutex
	answer   string
	calls    int
	lastText string
}

func (l *fakeLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.lastText = prompt
	if l.answer == "" {
		return "fake answer", nil
	}
	return l.answer, nil
}

func (l *fakeLLM) GenerateStream(ctx context.Context, prompt string, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk, 1)
	out <- llm.StreamChunk{Token: "fake", Done: true}
	close(out)
	return out, nil
}

var _ llm.LLM = (*fakeLLM)(nil)

// fakeEmbedder is a deterministic embedder.Embedder for service tests: it maps
// each text to the vector [len(text), 1], so equal texts get equal vectors.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (e *fakeEmbedder) Dimension() int    { return 2 }
func (e *fakeEmbedder) ModelName() string { return "fake-embedder" }

// fakeVectorStore is an in-memory vectorstore.VectorStore for service tests.
type fakeVectorStore struct {
	mu      sync.Mutex
	results []vectorstore.SearchResult
	err     error
}

func (v *fakeVectorStore) CreateCollection(ctx context.Context, tenantID string, dimension int) error {
	return nil
}
func (v *fakeVectorStore) CreateHybridCollection(ctx context.Context, tenantID string, dimension int) error {
	return nil
}
func (v *fakeVectorStore) DeleteCollection(ctx context.Context, tenantID string) error { return nil }
func (v *fakeVectorStore) CollectionExists(ctx context.Context, tenantID string) (bool, error) {
	return true, nil
}
func (v *fakeVectorStore) Upsert(ctx context.Context, tenantID string, chunks []vectorstore.Chunk) error {
	return nil
}
func (v *fakeVectorStore) Search(ctx context.Context, tenantID string, vec []float32, topK int, minScore float32) ([]vectorstore.SearchResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	return v.results, nil
}
func (v *fakeVectorStore) HybridSearch(ctx context.Context, tenantID string, dense []float32, sparse *vectorstore.SparseVector, topK int, minScore float32) ([]vectorstore.SearchResult, error) {
	return v.Search(ctx, tenantID, dense, topK, minScore)
}
func (v *fakeVectorStore) Delete(ctx context.Context, tenantID, documentID string) error { return nil }
func (v *fakeVectorStore) DeleteByIDs(ctx context.Context, tenantID string, ids []string) error {
	return nil
}

var (
	_ vectorstore.VectorStore = (*fakeVectorStore)(nil)
	_ embedder.Embedder       = (*fakeEmbedder)(nil)
)

// fakeTenantRepo is an in-memory repository.TenantRepository for service tests.
type fakeTenantRepo struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*repository.Tenant
}

func newFakeTenantRepo(tenants ...*repository.Tenant) *fakeTenantRepo {
	r := &fakeTenantRepo{tenants: make(map[uuid.UUID]*repository.Tenant)}
	for _, t := range tenants {
		r.tenants[t.ID] = t
	}
	return r
}

func (r *fakeTenantRepo) Create(ctx context.Context, tenant *repository.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[tenant.ID] = tenant
	return nil
}

func (r *fakeTenantRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (r *fakeTenantRepo) GetByAPIKey(ctx context.Context, apiKey string) (*repository.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tenants {
		if t.APIKey == apiKey {
			return t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeTenantRepo) List(ctx context.Context, limit, offset int) ([]*repository.Tenant, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*repository.Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	return out, len(out), nil
}

func (r *fakeTenantRepo) Update(ctx context.Context, tenant *repository.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[tenant.ID] = tenant
	return nil
}

func (r *fakeTenantRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tenants, id)
	return nil
}

func (r *fakeTenantRepo) UpdateAPIKey(ctx context.Context, id uuid.UUID, newAPIKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.APIKey = newAPIKey
	return nil
}

func (r *fakeTenantRepo) UpdateUsage(ctx context.Context, id uuid.UUID, usage repository.TenantUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.Usage = usage
	return nil
}

// fakeUserRepo is an in-memory repository.UserRepository for service tests.
type fakeUserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*repository.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[uuid.UUID]*repository.User)}
}

func (r *fakeUserRepo) Create(ctx context.Context, user *repository.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
	return nil
}

func (r *fakeUserRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*repository.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || u.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (r *fakeUserRepo) GetByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*repository.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.TenantID == tenantID && u.Email == email {
			return u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeUserRepo) Update(ctx context.Context, user *repository.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
	return nil
}

func (r *fakeUserRepo) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
	return nil
}

// fakeDocumentRepo is an in-memory repository.DocumentRepository for service tests.
type fakeDocumentRepo struct {
	mu     sync.Mutex
	docs   map[uuid.UUID]*repository.Document
	chunks map[uuid.UUID][]*repository.DocumentChunk
}

func newFakeDocumentRepo() *fakeDocumentRepo {
	return &fakeDocumentRepo{
		docs:   make(map[uuid.UUID]*repository.Document),
		chunks: make(map[uuid.UUID][]*repository.DocumentChunk),
	}
}

func (r *fakeDocumentRepo) Create(ctx context.Context, doc *repository.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.ID] = doc
	return nil
}

func (r *fakeDocumentRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return d, nil
}

func (r *fakeDocumentRepo) GetByHash(ctx context.Context, tenantID uuid.UUID, hash string) (*repository.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.TenantID == tenantID && d.ContentHash == hash {
			return d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeDocumentRepo) List(ctx context.Context, tenantID uuid.UUID, status string, limit, offset int) ([]*repository.Document, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*repository.Document
	for _, d := range r.docs {
		if d.TenantID == tenantID && (status == "" || d.Status == status) {
			out = append(out, d)
		}
	}
	return out, len(out), nil
}

func (r *fakeDocumentRepo) Update(ctx context.Context, doc *repository.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.ID] = doc
	return nil
}

func (r *fakeDocumentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	return nil
}

func (r *fakeDocumentRepo) CreateChunks(ctx context.Context, chunks []*repository.DocumentChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chunks {
		r.chunks[c.DocumentID] = append(r.chunks[c.DocumentID], c)
	}
	return nil
}

func (r *fakeDocumentRepo) GetChunks(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*repository.DocumentChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.chunks[documentID]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r *fakeDocumentRepo) DeleteChunks(ctx context.Context, documentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chunks, documentID)
	return nil
}

var (
	_ repository.TenantRepository   = (*fakeTenantRepo)(nil)
	_ repository.UserRepository     = (*fakeUserRepo)(nil)
	_ repository.DocumentRepository = (*fakeDocumentRepo)(nil)
)
