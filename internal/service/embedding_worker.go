package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/knoguchi/ragctl/internal/cache"
	"github.com/knoguchi/ragctl/internal/embedder"
	"github.com/knoguchi/ragctl/internal/eventbus"
	"github.com/knoguchi/ragctl/internal/gateway"
	"github.com/knoguchi/ragctl/internal/repository"
	"github.com/knoguchi/ragctl/internal/vectorstore"
)

const chunkPageSize = 100

// EmbeddingWorker consumes ChunkCreatedEvents, embeds the chunks a document
// was split into, and upserts them into the vector store. It runs out of the
// request path so a slow or unavailable embedding backend never blocks an
// upload.
type EmbeddingWorker struct {
	consumer          *eventbus.Consumer
	completedProducer *eventbus.Producer // publishes to eventbus.TopicDocumentCompleted
	failedProducer    *eventbus.Producer // publishes to eventbus.TopicChunkFailed
	docRepo           repository.DocumentRepository
	tenantRepo        repository.TenantRepository
	vectorDB          vectorstore.VectorStore
	embedder          embedder.Embedder
	cache             *cache.Cache
	breaker           *gateway.Breaker
	maxRetries        uint64
}

// NewEmbeddingWorker creates a worker consuming from consumer. completedProducer
// must be configured for eventbus.TopicDocumentCompleted and failedProducer for
// eventbus.TopicChunkFailed.
func NewEmbeddingWorker(
	consumer *eventbus.Consumer,
	completedProducer *eventbus.Producer,
	failedProducer *eventbus.Producer,
	docRepo repository.DocumentRepository,
	tenantRepo repository.TenantRepository,
	vectorDB vectorstore.VectorStore,
	emb embedder.Embedder,
	c *cache.Cache,
	breaker *gateway.Breaker,
) *EmbeddingWorker {
	return &EmbeddingWorker{
		consumer:          consumer,
		completedProducer: completedProducer,
		failedProducer:    failedProducer,
		docRepo:           docRepo,
		tenantRepo:        tenantRepo,
		vectorDB:          vectorDB,
		embedder:          emb,
		cache:             c,
		breaker:           breaker,
		maxRetries:        5,
	}
}

// Run blocks, processing events until ctx is cancelled.
func (w *EmbeddingWorker) Run(ctx context.Context) error {
	return w.consumer.Run(ctx, w.handle)
}

func (w *EmbeddingWorker) handle(ctx context.Context, ev eventbus.Event) error {
	var created ChunkCreatedEvent
	if err := json.Unmarshal(ev.Value, &created); err != nil {
		slog.Error("discarding malformed chunk-created event", "error", err)
		return nil
	}

	tenantID, err := uuid.Parse(created.TenantID)
	if err != nil {
		slog.Error("discarding chunk-created event with bad tenant id", "tenant_id", created.TenantID)
		return nil
	}
	documentID, err := uuid.Parse(created.DocumentID)
	if err != nil {
		slog.Error("discarding chunk-created event with bad document id", "document_id", created.DocumentID)
		return nil
	}

	err = w.indexDocument(ctx, tenantID, documentID)
	if err != nil {
		slog.Error("failed to index document", "document_id", documentID, "error", err)
		w.deadLetter(ctx, tenantID, documentID, err)
		w.markFailed(ctx, documentID, err)
		return nil // don't retry at the bus level; retries already happened inside indexDocument
	}
	return nil
}

func (w *EmbeddingWorker) indexDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	doc, err := w.docRepo.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("get document: %w", err)
	}

	var allChunks []*repository.DocumentChunk
	for offset := 0; ; offset += chunkPageSize {
		page, err := w.docRepo.GetChunks(ctx, documentID, chunkPageSize, offset)
		if err != nil {
			return fmt.Errorf("get chunks: %w", err)
		}
		allChunks = append(allChunks, page...)
		if len(page) < chunkPageSize {
			break
		}
	}
	if len(allChunks) == 0 {
		return nil
	}

	vsChunks := make([]vectorstore.Chunk, len(allChunks))
	texts := make([]string, len(allChunks))
	vectors := make([][]float32, len(allChunks))
	for i, c := range allChunks {
		texts[i] = c.Content
	}

	uncached := texts[:0:0]
	uncachedIdx := make([]int, 0, len(texts))
	for i, text := range texts {
		if cached, ok := w.getCachedEmbedding(ctx, tenantID, text); ok {
			vectors[i] = cached
			continue
		}
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}

	if len(uncached) > 0 {
		embedded, err := w.embedWithRetry(ctx, uncached)
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		for j, idx := range uncachedIdx {
			vectors[idx] = embedded[j]
			w.putCachedEmbedding(ctx, tenantID, uncached[j], embedded[j])
		}
	}

	for i, c := range allChunks {
		vsChunks[i] = vectorstore.Chunk{
			ID:         c.ID.String(),
			DocumentID: documentID.String(),
			TenantID:   tenantID.String(),
			Content:    c.Content,
			Vector:     vectors[i],
			Metadata:   c.Metadata,
		}
	}

	if err := w.vectorDB.Upsert(ctx, tenantID.String(), vsChunks); err != nil {
		return fmt.Errorf("upsert vectors: %w", err)
	}

	doc.Status = repository.DocumentStatusCompleted
	doc.StatusMessage = ""
	doc.UpdatedAt = time.Now()
	if err := w.docRepo.Update(ctx, doc); err != nil {
		return fmt.Errorf("mark document completed: %w", err)
	}

	usage := repository.TenantUsage{}
	if tenant, err := w.tenantRepo.GetByID(ctx, tenantID); err == nil {
		usage = tenant.Usage
	}
	usage.DocumentCount++
	usage.ChunkCount += len(allChunks)
	_ = w.tenantRepo.UpdateUsage(ctx, tenantID, usage)

	w.publishCompleted(ctx, documentID)
	return nil
}

// embedWithRetry retries transient embedder failures with exponential backoff
// before giving up and letting the caller dead-letter the document.
func (w *EmbeddingWorker) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	if w.breaker != nil && !w.breaker.Allow() {
		return nil, fmt.Errorf("embedding backend circuit open")
	}

	var result [][]float32
	operation := func() error {
		embedded, err := w.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		result = embedded
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.maxRetries)
	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if w.breaker != nil {
		if err != nil {
			w.breaker.Failure()
		} else {
			w.breaker.Success()
		}
	}
	return result, err
}

func (w *EmbeddingWorker) markFailed(ctx context.Context, documentID uuid.UUID, cause error) {
	doc, err := w.docRepo.GetByID(ctx, documentID)
	if err != nil {
		return
	}
	doc.Status = repository.DocumentStatusFailed
	doc.StatusMessage = cause.Error()
	doc.UpdatedAt = time.Now()
	_ = w.docRepo.Update(ctx, doc)
}

func (w *EmbeddingWorker) deadLetter(ctx context.Context, tenantID, documentID uuid.UUID, cause error) {
	if w.failedProducer == nil {
		return
	}
	payload, _ := json.Marshal(struct {
		TenantID   string `json:"tenant_id"`
		DocumentID string `json:"document_id"`
		Error      string `json:"error"`
	}{TenantID: tenantID.String(), DocumentID: documentID.String(), Error: cause.Error()})
	_ = w.failedProducer.Publish(ctx, eventbus.Event{Key: documentID.String(), Value: payload})
}

func (w *EmbeddingWorker) publishCompleted(ctx context.Context, documentID uuid.UUID) {
	if w.completedProducer == nil {
		return
	}
	payload, _ := json.Marshal(struct {
		DocumentID string `json:"document_id"`
	}{DocumentID: documentID.String()})
	_ = w.completedProducer.Publish(ctx, eventbus.Event{Key: documentID.String(), Value: payload})
}

func embeddingCacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "embed:" + hex.EncodeToString(sum[:])
}

func (w *EmbeddingWorker) getCachedEmbedding(ctx context.Context, tenantID uuid.UUID, text string) ([]float32, bool) {
	if w.cache == nil {
		return nil, false
	}
	raw, err := w.cache.Get(ctx, tenantID.String(), embeddingCacheKey(text))
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (w *EmbeddingWorker) putCachedEmbedding(ctx context.Context, tenantID uuid.UUID, text string, vec []float32) {
	if w.cache == nil {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	_ = w.cache.Set(ctx, tenantID.String(), embeddingCacheKey(text), string(raw), 24*time.Hour)
}
