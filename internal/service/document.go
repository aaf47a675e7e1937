package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/ragctl/internal/apperr"
	"github.com/knoguchi/ragctl/internal/blob"
	"github.com/knoguchi/ragctl/internal/eventbus"
	"github.com/knoguchi/ragctl/internal/ingestion"
	"github.com/knoguchi/ragctl/internal/repository"
	"github.com/knoguchi/ragctl/internal/vectorstore"
)

// DocumentService owns a tenant's document lifecycle: upload, chunking,
// listing, and deletion. Embedding and vector indexing happen out of band,
// driven by ChunkCreatedEvents this service publishes to the event bus and
// consumed by the embedding worker.
type DocumentService struct {
	docRepo    repository.DocumentRepository
	tenantRepo repository.TenantRepository
	vectorDB   vectorstore.VectorStore
	blobStore  *blob.Store
	producer   *eventbus.Producer
}

// NewDocumentService creates a new DocumentService
func NewDocumentService(
	docRepo repository.DocumentRepository,
	tenantRepo repository.TenantRepository,
	vectorDB vectorstore.VectorStore,
	blobStore *blob.Store,
	producer *eventbus.Producer,
) *DocumentService {
	return &DocumentService{
		docRepo:    docRepo,
		tenantRepo: tenantRepo,
		vectorDB:   vectorDB,
		blobStore:  blobStore,
		producer:   producer,
	}
}

// ChunkCreatedEvent is published to eventbus.TopicChunksCreated once a
// document's chunks have been persisted, so the embedding worker knows what
// to embed and index. Keyed by DocumentID for per-document ordering.
type ChunkCreatedEvent struct {
	TenantID   string `json:"tenant_id"`
	DocumentID string `json:"document_id"`
}

// UploadDocumentInput is the input to UploadDocument.
type UploadDocumentInput struct {
	TenantID    uuid.UUID
	UploadedBy  uuid.UUID
	Source      string
	Title       string
	ContentType string
	Content     []byte
	Metadata    map[string]string
}

// UploadDocument stores the raw content in blob storage, chunks it according
// to the tenant's configured strategy, persists the chunks, and publishes a
// ChunkCreatedEvent for the embedding worker to pick up. Returns without waiting
// for embedding, with the document in PROCESSING status (FAILED if chunking or
// publishing failed); content already uploaded under the same source returns the
// existing document unchanged.
func (s *DocumentService) UploadDocument(ctx context.Context, in UploadDocumentInput) (*repository.Document, error) {
	if in.TenantID == uuid.Nil {
		return nil, apperr.InvalidArgument("tenant_id is required")
	}
	if len(in.Content) == 0 {
		return nil, apperr.InvalidArgument("content is required")
	}

	tenant, err := s.tenantRepo.GetByID(ctx, in.TenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("tenant not found")
		}
		return nil, apperr.Internal("failed to get tenant: %v", err)
	}

	if err := s.checkQuota(tenant, int64(len(in.Content))); err != nil {
		return nil, err
	}

	// Include the source in the hash so the same content arriving under two
	// different names/URLs isn't treated as a true duplicate.
	contentHash := hashContent(in.Source + "\n" + string(in.Content))

	if existing, err := s.docRepo.GetByHash(ctx, in.TenantID, contentHash); err == nil && existing != nil {
		return existing, nil
	}

	now := time.Now()
	docID := uuid.New()
	doc := &repository.Document{
		ID:             docID,
		TenantID:       in.TenantID,
		UploadedBy:     in.UploadedBy,
		Source:         valueOr(in.Source, "direct-upload"),
		Title:          valueOr(in.Title, "Untitled Document"),
		ContentHash:    contentHash,
		StoredFilename: docID.String(),
		ContentType:    in.ContentType,
		Status:         repository.DocumentStatusPending,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if _, err := s.blobStore.Put(ctx, in.TenantID, docID, in.ContentType, in.Content); err != nil {
		return nil, apperr.Internal("failed to store document content: %v", err)
	}

	if err := s.docRepo.Create(ctx, doc); err != nil {
		return nil, apperr.Internal("failed to create document: %v", err)
	}

	if err := s.chunkAndPublish(ctx, doc, string(in.Content), tenant); err != nil {
		s.markDocumentFailed(ctx, doc, err.Error())
		return doc, nil
	}

	return doc, nil
}

// checkQuota enforces the tenant's document-count and storage-byte ceilings.
// A zero quota field means unlimited.
func (s *DocumentService) checkQuota(tenant *repository.Tenant, incomingBytes int64) error {
	if tenant.Quotas.MaxDocuments > 0 && tenant.Usage.DocumentCount >= tenant.Quotas.MaxDocuments {
		return apperr.QuotaExceeded("tenant has reached its document limit of %d", tenant.Quotas.MaxDocuments)
	}
	if tenant.Quotas.MaxStorageBytes > 0 && tenant.Usage.StorageBytes+incomingBytes > tenant.Quotas.MaxStorageBytes {
		return apperr.QuotaExceeded("tenant has reached its storage limit of %d bytes", tenant.Quotas.MaxStorageBytes)
	}
	return nil
}

// chunkAndPublish chunks content, persists the chunks, and publishes a
// ChunkCreatedEvent for the embedding worker. It does not embed or index —
// that happens asynchronously, off the request path.
func (s *DocumentService) chunkAndPublish(ctx context.Context, doc *repository.Document, content string, tenant *repository.Tenant) error {
	doc.Status = repository.DocumentStatusProcessing
	doc.UpdatedAt = time.Now()
	_ = s.docRepo.Update(ctx, doc)

	pipeline := ingestion.NewPipeline(ingestion.PipelineConfig{
		Chunker: tenant.Config.Chunker,
		DefaultMetadata: map[string]string{
			"source": doc.Source,
			"title":  doc.Title,
		},
	})

	result, err := pipeline.ProcessWithMetadata(ctx, content, doc.Metadata)
	if err != nil {
		return apperr.Internal("chunking failed: %v", err)
	}

	docChunks := ingestion.ChunksToDocumentChunks(result.Chunks, doc.ID)
	if err := s.docRepo.CreateChunks(ctx, docChunks); err != nil {
		return apperr.Internal("failed to store chunks: %v", err)
	}

	doc.ChunkCount = len(docChunks)
	doc.UpdatedAt = time.Now()
	_ = s.docRepo.Update(ctx, doc)

	if s.producer != nil {
		payload, _ := json.Marshal(ChunkCreatedEvent{TenantID: doc.TenantID.String(), DocumentID: doc.ID.String()})
		if err := s.producer.Publish(ctx, eventbus.Event{Key: doc.ID.String(), Value: payload}); err != nil {
			return apperr.Internal("failed to publish chunk-created event: %v", err)
		}
	}

	return nil
}

// GetDocument retrieves a document by ID.
func (s *DocumentService) GetDocument(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	doc, err := s.docRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("document not found")
		}
		return nil, apperr.Internal("failed to get document: %v", err)
	}
	return doc, nil
}

// ListDocuments lists documents for a tenant, optionally filtered by status.
func (s *DocumentService) ListDocuments(ctx context.Context, tenantID uuid.UUID, statusFilter string, pageSize, offset int) ([]*repository.Document, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	docs, total, err := s.docRepo.List(ctx, tenantID, statusFilter, pageSize, offset)
	if err != nil {
		return nil, 0, apperr.Internal("failed to list documents: %v", err)
	}
	return docs, total, nil
}

// UpdateDocumentInput is the input to UpdateDocument. A nil field leaves the
// corresponding document field unchanged.
type UpdateDocumentInput struct {
	Title    *string
	Metadata map[string]string
}

// UpdateDocument patches a document's title and/or metadata. It does not
// touch content, chunks, or vectors.
func (s *DocumentService) UpdateDocument(ctx context.Context, id uuid.UUID, in UpdateDocumentInput) (*repository.Document, error) {
	doc, err := s.docRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("document not found")
		}
		return nil, apperr.Internal("failed to get document: %v", err)
	}

	if in.Title != nil {
		doc.Title = *in.Title
	}
	if in.Metadata != nil {
		doc.Metadata = in.Metadata
	}
	doc.UpdatedAt = time.Now()

	if err := s.docRepo.Update(ctx, doc); err != nil {
		return nil, apperr.Internal("failed to update document: %v", err)
	}
	return doc, nil
}

// DeleteDocument deletes a document, its chunks, its vectors, and its blob.
func (s *DocumentService) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	doc, err := s.docRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("document not found")
		}
		return apperr.Internal("failed to get document: %v", err)
	}

	if err := s.vectorDB.Delete(ctx, doc.TenantID.String(), doc.ID.String()); err != nil {
		_ = err // the collection may already be gone; proceed with deletion regardless
	}

	if err := s.docRepo.DeleteChunks(ctx, id); err != nil {
		_ = err
	}

	if err := s.blobStore.Delete(ctx, doc.TenantID, doc.ID); err != nil {
		_ = err
	}

	if err := s.docRepo.Delete(ctx, id); err != nil {
		return apperr.Internal("failed to delete document: %v", err)
	}
	return nil
}

// GetDocumentChunks retrieves a page of a document's chunks.
func (s *DocumentService) GetDocumentChunks(ctx context.Context, documentID uuid.UUID, pageSize, offset int) ([]*repository.DocumentChunk, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	chunks, err := s.docRepo.GetChunks(ctx, documentID, pageSize, offset)
	if err != nil {
		return nil, apperr.Internal("failed to get chunks: %v", err)
	}
	return chunks, nil
}

// markDocumentFailed marks a document as failed with an error message
func (s *DocumentService) markDocumentFailed(ctx context.Context, doc *repository.Document, message string) {
	doc.Status = repository.DocumentStatusFailed
	doc.StatusMessage = message
	doc.UpdatedAt = time.Now()
	_ = s.docRepo.Update(ctx, doc)
}

// hashContent generates a SHA-256 hash of content
func hashContent(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
