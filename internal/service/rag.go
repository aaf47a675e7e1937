package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/ragctl/internal/apperr"
	"github.com/knoguchi/ragctl/internal/cache"
	"github.com/knoguchi/ragctl/internal/embedder"
	"github.com/knoguchi/ragctl/internal/gateway"
	"github.com/knoguchi/ragctl/internal/llm"
	"github.com/knoguchi/ragctl/internal/memory"
	"github.com/knoguchi/ragctl/internal/reranker"
	"github.com/knoguchi/ragctl/internal/repository"
	"github.com/knoguchi/ragctl/internal/vectorstore"
)

// RAGService answers questions grounded in a tenant's indexed documents:
// embed the query, search the tenant's vector collection, dedupe/rerank the
// hits, and generate an answer from an LLM constrained to that context.
type RAGService struct {
	tenantRepo  repository.TenantRepository
	docRepo     repository.DocumentRepository
	embedder    embedder.Embedder
	vectorDB    vectorstore.VectorStore
	llmClient   llm.LLM
	reranker    reranker.Reranker // Optional: if set, results will be reranked
	useHybrid   bool              // If true, uses hybrid search (dense + sparse)
	sparseModel SparseVectorizer  // Optional: converts text to sparse vectors
	memory      *memory.Store     // Conversation memory for session-based context

	cache            *cache.Cache // Optional: caches full query responses
	responseCacheTTL time.Duration

	embedBreaker *gateway.Breaker // Optional: trips on repeated embedding failures
	llmBreaker   *gateway.Breaker // Optional: trips on repeated generation failures
}

// SparseVectorizer converts text to sparse vectors for hybrid search
type SparseVectorizer interface {
	Vectorize(text string) *vectorstore.SparseVector
}

// RAGServiceOption is a functional option for configuring RAGService.
type RAGServiceOption func(*RAGService)

// WithReranker sets a reranker for the RAG service.
func WithReranker(r reranker.Reranker) RAGServiceOption {
	return func(s *RAGService) { s.reranker = r }
}

// WithHybridSearch enables hybrid search with the given sparse vectorizer.
func WithHybridSearch(sparseModel SparseVectorizer) RAGServiceOption {
	return func(s *RAGService) {
		s.useHybrid = true
		s.sparseModel = sparseModel
	}
}

// WithResponseCache caches full query responses (answer + sources) for ttl,
// keyed by tenant + query + resolved options, so repeated questions skip both
// retrieval and generation.
func WithResponseCache(c *cache.Cache, ttl time.Duration) RAGServiceOption {
	return func(s *RAGService) {
		s.cache = c
		s.responseCacheTTL = ttl
	}
}

// WithBreakers wires circuit breakers around the embedding and generation
// calls, so a failing Ollama backend is shed quickly instead of queuing
// requests behind a backend that is already down.
func WithBreakers(embedBreaker, llmBreaker *gateway.Breaker) RAGServiceOption {
	return func(s *RAGService) {
		s.embedBreaker = embedBreaker
		s.llmBreaker = llmBreaker
	}
}

// NewRAGService creates a new RAGService
func NewRAGService(
	tenantRepo repository.TenantRepository,
	docRepo repository.DocumentRepository,
	embedder embedder.Embedder,
	vectorDB vectorstore.VectorStore,
	llmClient llm.LLM,
	memoryStore *memory.Store,
	opts ...RAGServiceOption,
) *RAGService {
	s := &RAGService{
		tenantRepo: tenantRepo,
		docRepo:    docRepo,
		embedder:   embedder,
		vectorDB:   vectorDB,
		llmClient:  llmClient,
		memory:     memoryStore,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// RetrievedChunk is a single piece of retrieved context, annotated with
// provenance so an answer's claims can be traced back to a source document.
type RetrievedChunk struct {
	DocumentID string            `json:"document_id"`
	ChunkID    string            `json:"chunk_id"`
	Content    string            `json:"content"`
	Score      float32           `json:"score"`
	Source     string            `json:"source"`
	Title      string            `json:"title"`
	Metadata   map[string]string `json:"metadata"`
}

// QueryMetadata reports timing and retrieval stats alongside an answer.
type QueryMetadata struct {
	RetrievalTimeMs  int64  `json:"retrieval_time_ms"`
	GenerationTimeMs int64  `json:"generation_time_ms"`
	TotalTimeMs      int64  `json:"total_time_ms"`
	ChunksRetrieved  int    `json:"chunks_retrieved"`
	Model            string `json:"model"`
	Cached           bool   `json:"cached"`
}

// QueryOptionsInput lets a caller override a tenant's default retrieval and
// generation settings for a single request.
type QueryOptionsInput struct {
	TopK         int
	MinScore     float32
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	DocumentIDs  []string
}

// QueryInput is the input to Query/QueryStream.
type QueryInput struct {
	TenantID  uuid.UUID
	Query     string
	SessionID string
	Options   *QueryOptionsInput
}

// QueryResult is the result of Query.
type QueryResult struct {
	Answer   string            `json:"answer"`
	Sources  []RetrievedChunk  `json:"sources"`
	Metadata QueryMetadata     `json:"metadata"`
}

// Query retrieves context and generates an LLM response.
func (s *RAGService) Query(ctx context.Context, in QueryInput) (*QueryResult, error) {
	startTime := time.Now()

	if err := validateQueryInput(in); err != nil {
		return nil, err
	}

	tenant, err := s.tenantRepo.GetByID(ctx, in.TenantID)
	if err != nil {
		return nil, tenantLookupErr(err)
	}

	options := s.buildQueryOptions(tenant, in.Options)

	if s.cache != nil {
		if cached, ok := s.getCachedResponse(ctx, in.TenantID, in.Query, options); ok {
			cached.Metadata.Cached = true
			return cached, nil
		}
	}

	retrievalStart := time.Now()
	searchResults, err := s.retrieve(ctx, in.TenantID, in.Query, tenant, options)
	if err != nil {
		return nil, err
	}
	retrievalTime := time.Since(retrievalStart)

	sources, chunkContexts := toRetrievedChunks(searchResults)
	sources, chunkContexts = applyContextBudget(sources, chunkContexts, options.contextTokenBudget)

	if len(sources) == 0 {
		result := &QueryResult{
			Answer:  noRelevantContextAnswer,
			Sources: []RetrievedChunk{},
			Metadata: QueryMetadata{
				RetrievalTimeMs: retrievalTime.Milliseconds(),
				TotalTimeMs:     time.Since(startTime).Milliseconds(),
				ChunksRetrieved: 0,
				Model:           options.model,
			},
		}
		if s.cache != nil {
			s.putCachedResponse(ctx, in.TenantID, in.Query, options, result)
		}
		return result, nil
	}

	var history []memory.Message
	if in.SessionID != "" && s.memory != nil {
		history, _ = s.memory.GetRecentHistory(ctx, in.TenantID, in.SessionID, 10)
		_ = s.memory.AddUserMessage(ctx, in.TenantID, in.SessionID, in.Query)
	}

	generationStart := time.Now()
	prompt := buildRAGPrompt(options.systemPrompt, chunkContexts, in.Query, history)
	answer, err := s.generate(ctx, prompt, options)
	if err != nil {
		return nil, err
	}
	generationTime := time.Since(generationStart)

	if in.SessionID != "" && s.memory != nil {
		_ = s.memory.AddAssistantMessage(ctx, in.TenantID, in.SessionID, answer)
	}

	result := &QueryResult{
		Answer:  answer,
		Sources: sources,
		Metadata: QueryMetadata{
			RetrievalTimeMs:  retrievalTime.Milliseconds(),
			GenerationTimeMs: generationTime.Milliseconds(),
			TotalTimeMs:      time.Since(startTime).Milliseconds(),
			ChunksRetrieved:  len(sources),
			Model:            options.model,
		},
	}

	if s.cache != nil {
		s.putCachedResponse(ctx, in.TenantID, in.Query, options, result)
	}

	return result, nil
}

// StreamEventType classifies a QueryStream event for the SSE handler layer.
type StreamEventType string

const (
	StreamEventSource   StreamEventType = "source"
	StreamEventToken    StreamEventType = "token"
	StreamEventMetadata StreamEventType = "metadata"
	StreamEventError    StreamEventType = "error"
)

// StreamEvent is one event of a QueryStream response, mirroring spec §6's SSE
// event types (source, token, metadata, error) one for one.
type StreamEvent struct {
	Type     StreamEventType
	Source   *RetrievedChunk
	Token    string
	Metadata *QueryMetadata
	Err      error
}

// QueryStream retrieves context and streams the LLM response token by token
// over the returned channel, which is closed once the response (or an error)
// has been fully emitted.
func (s *RAGService) QueryStream(ctx context.Context, in QueryInput) (<-chan StreamEvent, error) {
	if err := validateQueryInput(in); err != nil {
		return nil, err
	}

	tenant, err := s.tenantRepo.GetByID(ctx, in.TenantID)
	if err != nil {
		return nil, tenantLookupErr(err)
	}

	options := s.buildQueryOptions(tenant, in.Options)

	retrievalStart := time.Now()
	searchResults, err := s.retrieve(ctx, in.TenantID, in.Query, tenant, options)
	if err != nil {
		return nil, err
	}
	retrievalTime := time.Since(retrievalStart)

	sources, chunkContexts := toRetrievedChunks(searchResults)
	sources, chunkContexts = applyContextBudget(sources, chunkContexts, options.contextTokenBudget)

	if len(sources) == 0 {
		out := make(chan StreamEvent, 2)
		go func() {
			defer close(out)
			out <- StreamEvent{Type: StreamEventToken, Token: noRelevantContextAnswer}
			out <- StreamEvent{Type: StreamEventMetadata, Metadata: &QueryMetadata{
				RetrievalTimeMs: retrievalTime.Milliseconds(),
				ChunksRetrieved: 0,
				Model:           options.model,
			}}
		}()
		return out, nil
	}

	var history []memory.Message
	if in.SessionID != "" && s.memory != nil {
		history, _ = s.memory.GetRecentHistory(ctx, in.TenantID, in.SessionID, 10)
		_ = s.memory.AddUserMessage(ctx, in.TenantID, in.SessionID, in.Query)
	}

	prompt := buildRAGPrompt(options.systemPrompt, chunkContexts, in.Query, history)

	llmOpts := llm.GenerateOptions{
		Model:        options.model,
		SystemPrompt: options.systemPrompt,
		Temperature:  options.temperature,
		MaxTokens:    options.maxTokens,
	}

	if s.llmBreaker != nil && !s.llmBreaker.Allow() {
		return nil, apperr.Unavailable("generation backend unavailable")
	}

	tokenChan, err := s.llmClient.GenerateStream(ctx, prompt, llmOpts)
	if err != nil {
		if s.llmBreaker != nil {
			s.llmBreaker.Failure()
		}
		return nil, apperr.Internal("failed to start streaming: %v", err)
	}

	out := make(chan StreamEvent, len(sources)+8)
	go func() {
		defer close(out)

		for i := range sources {
			out <- StreamEvent{Type: StreamEventSource, Source: &sources[i]}
		}

		generationStart := time.Now()
		var fullResponse strings.Builder
		for chunk := range tokenChan {
			if chunk.Error != nil {
				if s.llmBreaker != nil {
					s.llmBreaker.Failure()
				}
				out <- StreamEvent{Type: StreamEventError, Err: chunk.Error}
				return
			}
			if chunk.Token != "" {
				fullResponse.WriteString(chunk.Token)
				out <- StreamEvent{Type: StreamEventToken, Token: chunk.Token}
			}
		}
		if s.llmBreaker != nil {
			s.llmBreaker.Success()
		}

		if in.SessionID != "" && s.memory != nil {
			_ = s.memory.AddAssistantMessage(ctx, in.TenantID, in.SessionID, fullResponse.String())
		}

		out <- StreamEvent{Type: StreamEventMetadata, Metadata: &QueryMetadata{
			RetrievalTimeMs:  retrievalTime.Milliseconds(),
			GenerationTimeMs: time.Since(generationStart).Milliseconds(),
			ChunksRetrieved:  len(sources),
			Model:            options.model,
		}}
	}()

	return out, nil
}

// RetrieveInput is the input to Retrieve.
type RetrieveInput struct {
	TenantID    uuid.UUID
	Query       string
	TopK        int
	MinScore    float32
	DocumentIDs []string
}

// RetrieveResult is the result of Retrieve.
type RetrieveResult struct {
	Chunks          []RetrievedChunk `json:"chunks"`
	RetrievalTimeMs int64            `json:"retrieval_time_ms"`
}

// Retrieve only retrieves relevant chunks without LLM generation.
func (s *RAGService) Retrieve(ctx context.Context, in RetrieveInput) (*RetrieveResult, error) {
	startTime := time.Now()

	if in.Query == "" {
		return nil, apperr.InvalidArgument("query is required")
	}

	tenant, err := s.tenantRepo.GetByID(ctx, in.TenantID)
	if err != nil {
		return nil, tenantLookupErr(err)
	}

	topK := tenant.Config.TopK
	if in.TopK > 0 {
		topK = in.TopK
	}
	minScore := tenant.Config.MinScore
	if in.MinScore > 0 {
		minScore = in.MinScore
	}

	queryVector, err := s.embed(ctx, in.Query)
	if err != nil {
		return nil, err
	}

	searchResults, err := s.vectorDB.Search(ctx, in.TenantID.String(), queryVector, topK, minScore)
	if err != nil {
		return nil, apperr.Internal("failed to search vectors: %v", err)
	}

	if len(in.DocumentIDs) > 0 {
		allowed := make(map[string]bool, len(in.DocumentIDs))
		for _, id := range in.DocumentIDs {
			allowed[id] = true
		}
		filtered := searchResults[:0]
		for _, r := range searchResults {
			if allowed[r.DocumentID] {
				filtered = append(filtered, r)
			}
		}
		searchResults = filtered
	}

	chunks, _ := toRetrievedChunks(searchResults)

	return &RetrieveResult{
		Chunks:          chunks,
		RetrievalTimeMs: time.Since(startTime).Milliseconds(),
	}, nil
}

// ConversationView is a session's message history as seen by callers outside
// internal/memory.
type ConversationView struct {
	SessionID string           `json:"conversation_id"`
	Messages  []memory.Message `json:"messages"`
}

// GetConversation returns a session's message history, or an empty history if
// the session doesn't exist or has expired.
func (s *RAGService) GetConversation(ctx context.Context, tenantID uuid.UUID, sessionID string) (*ConversationView, error) {
	if s.memory == nil {
		return &ConversationView{SessionID: sessionID}, nil
	}
	messages, err := s.memory.GetHistory(ctx, tenantID, sessionID)
	if err != nil {
		return nil, apperr.Internal("failed to get conversation: %v", err)
	}
	return &ConversationView{SessionID: sessionID, Messages: messages}, nil
}

// ClearConversation discards a session's message history.
func (s *RAGService) ClearConversation(ctx context.Context, tenantID uuid.UUID, sessionID string) error {
	if s.memory == nil {
		return nil
	}
	if err := s.memory.ClearSession(ctx, tenantID, sessionID); err != nil {
		return apperr.Internal("failed to clear conversation: %v", err)
	}
	return nil
}

// EmbedTexts generates embedding vectors for a batch of texts using the
// tenant's configured embedding model, going through the embed circuit
// breaker like every other embedding call.
func (s *RAGService) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, apperr.InvalidArgument("texts is required")
	}
	if s.embedBreaker != nil && !s.embedBreaker.Allow() {
		return nil, apperr.Unavailable("embedding backend is temporarily unavailable")
	}

	embeddings, err := s.embedder.EmbedBatch(ctx, texts)
	if s.embedBreaker != nil {
		if err != nil {
			s.embedBreaker.Failure()
		} else {
			s.embedBreaker.Success()
		}
	}
	if err != nil {
		return nil, apperr.Internal("failed to generate embeddings: %v", err)
	}
	return embeddings, nil
}

// SearchByVectorInput is the input to SearchByVector.
type SearchByVectorInput struct {
	TenantID  uuid.UUID
	Embedding []float32
	TopK      int
	Filters   map[string]string
}

// SearchByVector runs a raw vector-space similarity search, bypassing the
// embed step for callers that already hold a query embedding.
func (s *RAGService) SearchByVector(ctx context.Context, in SearchByVectorInput) ([]RetrievedChunk, error) {
	if len(in.Embedding) == 0 {
		return nil, apperr.InvalidArgument("embedding is required")
	}

	tenant, err := s.tenantRepo.GetByID(ctx, in.TenantID)
	if err != nil {
		return nil, tenantLookupErr(err)
	}

	topK := tenant.Config.TopK
	if in.TopK > 0 {
		topK = in.TopK
	}

	results, err := s.vectorDB.Search(ctx, in.TenantID.String(), in.Embedding, topK, tenant.Config.MinScore)
	if err != nil {
		return nil, apperr.Internal("failed to search vectors: %v", err)
	}

	if len(in.Filters) > 0 {
		filtered := results[:0]
		for _, r := range results {
			match := true
			for k, v := range in.Filters {
				if r.Metadata[k] != v {
					match = false
					break
				}
			}
			if match {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	chunks, _ := toRetrievedChunks(results)
	return chunks, nil
}

// retrieve runs the embed -> search -> dedupe -> rerank pipeline shared by
// Query and QueryStream.
func (s *RAGService) retrieve(ctx context.Context, tenantID uuid.UUID, query string, tenant *repository.Tenant, options queryOptions) ([]vectorstore.SearchResult, error) {
	queryVector, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var searchResults []vectorstore.SearchResult
	if s.useHybrid && s.sparseModel != nil {
		sparseVector := s.sparseModel.Vectorize(query)
		searchResults, err = s.vectorDB.HybridSearch(ctx, tenantID.String(), queryVector, sparseVector, options.topK*3, options.minScore)
	} else {
		searchResults, err = s.vectorDB.Search(ctx, tenantID.String(), queryVector, options.topK*3, options.minScore)
	}
	if err != nil {
		return nil, apperr.Internal("failed to search vectors: %v", err)
	}

	searchResults = reranker.Deduplicate(searchResults, func(r vectorstore.SearchResult) string { return r.Content }, 0.7)

	if s.reranker != nil && tenant.Config.RerankerEnabled && len(searchResults) > 0 {
		reranked, err := s.reranker.Rerank(ctx, query, searchResults, options.topK)
		if err == nil && len(reranked) > 0 {
			searchResults = make([]vectorstore.SearchResult, len(reranked))
			for i, r := range reranked {
				searchResults[i] = r.SearchResult
				searchResults[i].Score = r.RerankerScore
			}
		}
	}

	if len(searchResults) > options.topK {
		searchResults = searchResults[:options.topK]
	}
	return searchResults, nil
}

func (s *RAGService) embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedBreaker != nil && !s.embedBreaker.Allow() {
		return nil, apperr.Unavailable("embedding backend unavailable")
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		if s.embedBreaker != nil {
			s.embedBreaker.Failure()
		}
		return nil, apperr.Internal("failed to embed query: %v", err)
	}
	if s.embedBreaker != nil {
		s.embedBreaker.Success()
	}
	return vec, nil
}

func (s *RAGService) generate(ctx context.Context, prompt string, options queryOptions) (string, error) {
	if s.llmBreaker != nil && !s.llmBreaker.Allow() {
		return "", apperr.Unavailable("generation backend unavailable")
	}

	llmOpts := llm.GenerateOptions{
		Model:        options.model,
		SystemPrompt: options.systemPrompt,
		Temperature:  options.temperature,
		MaxTokens:    options.maxTokens,
	}

	answer, err := s.llmClient.Generate(ctx, prompt, llmOpts)
	if err != nil {
		if s.llmBreaker != nil {
			s.llmBreaker.Failure()
		}
		return "", apperr.Internal("failed to generate response: %v", err)
	}
	if s.llmBreaker != nil {
		s.llmBreaker.Success()
	}
	return answer, nil
}

// queryOptions holds resolved options for a query
type queryOptions struct {
	topK               int
	minScore           float32
	contextTokenBudget int
	systemPrompt       string
	temperature        float32
	maxTokens          int
	model              string
}

// buildQueryOptions builds query options from tenant config and request options
func (s *RAGService) buildQueryOptions(tenant *repository.Tenant, opts *QueryOptionsInput) queryOptions {
	options := queryOptions{
		topK:               tenant.Config.TopK,
		minScore:           tenant.Config.MinScore,
		contextTokenBudget: tenant.Config.ContextTokenBudget,
		systemPrompt:       tenant.Config.SystemPrompt,
		temperature:        0.3,  // Low temperature for factual, deterministic RAG responses
		maxTokens:          2048, // Default max tokens
		model:              tenant.Config.LLMModel,
	}

	if options.topK <= 0 {
		options.topK = 4 // Fewer sources = more focused answers
	}
	if options.minScore <= 0 {
		options.minScore = 0.5 // Higher threshold = more relevant results only
	}
	if options.contextTokenBudget <= 0 {
		options.contextTokenBudget = 3000 // Default context window reserved for retrieved chunks
	}
	if options.systemPrompt == "" {
		options.systemPrompt = defaultSystemPrompt
	}

	if opts != nil {
		if opts.TopK > 0 {
			options.topK = opts.TopK
		}
		if opts.MinScore > 0 {
			options.minScore = opts.MinScore
		}
		if opts.SystemPrompt != "" {
			options.systemPrompt = opts.SystemPrompt
		}
		if opts.Temperature > 0 {
			options.temperature = opts.Temperature
		}
		if opts.MaxTokens > 0 {
			options.maxTokens = opts.MaxTokens
		}
	}

	return options
}

// chunkContext holds chunk content with metadata for prompt building
type chunkContext struct {
	Content  string
	Source   string
	Title    string
	Score    float32
	Metadata map[string]string
}

func toRetrievedChunks(results []vectorstore.SearchResult) ([]RetrievedChunk, []chunkContext) {
	chunks := make([]RetrievedChunk, len(results))
	contexts := make([]chunkContext, len(results))
	for i, result := range results {
		chunks[i] = RetrievedChunk{
			DocumentID: result.DocumentID,
			ChunkID:    result.ID,
			Content:    result.Content,
			Score:      result.Score,
			Source:     result.Metadata["source"],
			Title:      result.Metadata["title"],
			Metadata:   result.Metadata,
		}
		contexts[i] = chunkContext{
			Content:  result.Content,
			Source:   result.Metadata["source"],
			Title:    result.Metadata["title"],
			Score:    result.Score,
			Metadata: result.Metadata,
		}
	}
	return chunks, contexts
}

// noRelevantContextAnswer is returned in place of an LLM call when no retrieved
// chunk meets the relevance floor, per the canned "no relevant information" path.
const noRelevantContextAnswer = "I don't have relevant information in the knowledge base to answer this question."

// estimateTokens approximates a token count from text using the same
// words-as-tokens heuristic the ingestion chunker uses.
func estimateTokens(text string) int {
	return len(strings.Fields(text))
}

// applyContextBudget keeps sources/contexts in rank order, appending whole chunks
// (never splitting one) until budget tokens would be exceeded. The first chunk is
// always kept even if it alone exceeds budget, so a single highly relevant chunk
// still produces an answer.
func applyContextBudget(sources []RetrievedChunk, contexts []chunkContext, budget int) ([]RetrievedChunk, []chunkContext) {
	if budget <= 0 || len(contexts) == 0 {
		return sources, contexts
	}
	used := 0
	kept := 0
	for i, c := range contexts {
		tokens := estimateTokens(c.Content)
		if i > 0 && used+tokens > budget {
			break
		}
		used += tokens
		kept = i + 1
	}
	return sources[:kept], contexts[:kept]
}

// buildRAGPrompt constructs the RAG prompt with metadata, conversation history, and chain-of-thought structure
func buildRAGPrompt(systemPrompt string, chunks []chunkContext, query string, history []memory.Message) string {
	var sb strings.Builder

	sb.WriteString(systemPrompt)
	sb.WriteString("\n\n")

	if len(history) > 0 {
		sb.WriteString("## Conversation History\n")
		sb.WriteString("(Previous exchanges in this session for context)\n\n")
		sb.WriteString(memory.FormatForPrompt(history))
		sb.WriteString("\n")
	}

	sb.WriteString("## Context Documents\n\n")
	for i, chunk := range chunks {
		sb.WriteString(fmt.Sprintf("[Doc %d]", i+1))
		if chunk.Title != "" {
			sb.WriteString(fmt.Sprintf(" (Title: %s)", chunk.Title))
		}
		if chunk.Source != "" {
			sb.WriteString(fmt.Sprintf(" (Source: %s)", chunk.Source))
		}
		sb.WriteString("\n")
		sb.WriteString(chunk.Content)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Question\n")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("## Answer (be brief and direct)\n")

	return sb.String()
}

func validateQueryInput(in QueryInput) error {
	if in.TenantID == uuid.Nil {
		return apperr.InvalidArgument("tenant_id is required")
	}
	if in.Query == "" {
		return apperr.InvalidArgument("query is required")
	}
	return nil
}

func tenantLookupErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("tenant not found")
	}
	return apperr.Internal("failed to get tenant: %v", err)
}

// responseCacheKey fingerprints a tenant+query+resolved-options tuple so
// identical questions (with identical effective settings) hit the cache.
func responseCacheKey(query string, options queryOptions) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%f|%s|%f|%d|%d|%s", query, options.topK, options.minScore, options.model, options.temperature, options.maxTokens, options.contextTokenBudget, options.systemPrompt)
	return "rag:response:" + hex.EncodeToString(h.Sum(nil))
}

func (s *RAGService) getCachedResponse(ctx context.Context, tenantID uuid.UUID, query string, options queryOptions) (*QueryResult, bool) {
	raw, err := s.cache.Get(ctx, tenantID.String(), responseCacheKey(query, options))
	if err != nil {
		return nil, false
	}
	var result QueryResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false
	}
	return &result, true
}

func (s *RAGService) putCachedResponse(ctx context.Context, tenantID uuid.UUID, query string, options queryOptions, result *QueryResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, tenantID.String(), responseCacheKey(query, options), string(raw), s.responseCacheTTL)
}
