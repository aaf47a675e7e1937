// Package repository defines domain models and data access interfaces for tenants, users,
// and documents.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Tenant represents a tenant in the system
type Tenant struct {
	ID        uuid.UUID
	Name      string
	Slug      string
	Status    string // active, suspended
	APIKey    string
	Config    TenantConfig
	Quotas    TenantQuotas
	Usage     TenantUsage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantQuotas caps resource usage per tenant; zero means unlimited.
type TenantQuotas struct {
	MaxDocuments    int   `json:"max_documents"`
	MaxStorageBytes int64 `json:"max_storage_bytes"`
}

// TenantConfig holds tenant-specific configuration
type TenantConfig struct {
	EmbeddingModel  string        `json:"embedding_model"`
	LLMModel        string        `json:"llm_model"`
	Chunker         ChunkerConfig `json:"chunker"`
	TopK               int           `json:"top_k"`
	MinScore           float32       `json:"min_score"`
	ContextTokenBudget int           `json:"context_token_budget"` // max tokens of retrieved context assembled into a prompt
	SystemPrompt       string        `json:"system_prompt"`
	RerankerEnabled    bool          `json:"reranker_enabled"` // Enable LLM-based reranking (slower but more accurate)
}

// ChunkerConfig holds chunking configuration
type ChunkerConfig struct {
	Method     string `json:"method"`      // semantic, fixed, sentence
	TargetSize int    `json:"target_size"` // target tokens per chunk
	MaxSize    int    `json:"max_size"`    // max tokens per chunk
	Overlap    int    `json:"overlap"`     // overlap tokens
}

// TenantUsage holds tenant usage statistics
type TenantUsage struct {
	DocumentCount   int   `json:"document_count"`
	ChunkCount      int   `json:"chunk_count"`
	StorageBytes    int64 `json:"storage_bytes"`
	QueryCountMonth int64 `json:"query_count_month"`
}

// User represents a human or service account scoped to a tenant.
type User struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Email        string
	PasswordHash string
	Role         string // admin, member
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Document status vocabulary.
const (
	DocumentStatusPending    = "PENDING"
	DocumentStatusProcessing = "PROCESSING"
	DocumentStatusCompleted  = "COMPLETED"
	DocumentStatusFailed     = "FAILED"
)

// Document represents an ingested document
type Document struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	UploadedBy     uuid.UUID
	Source         string
	Title          string
	ContentHash    string
	StoredFilename string
	ContentType    string
	ChunkCount     int
	Status         string
	StatusMessage  string
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DocumentChunk represents a chunk of a document, with byte offsets into the
// normalized source text so the original can be reconstructed from its chunks.
type DocumentChunk struct {
	ID             uuid.UUID
	DocumentID     uuid.UUID
	SequenceNumber int
	StartOffset    int
	EndOffset      int
	TokenCount     int
	VectorID       string
	Content        string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// TenantRepository defines operations for tenant persistence
type TenantRepository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*Tenant, int, error)
	Update(ctx context.Context, tenant *Tenant) error
	Delete(ctx context.Context, id uuid.UUID) error
	UpdateAPIKey(ctx context.Context, id uuid.UUID, newAPIKey string) error
	UpdateUsage(ctx context.Context, id uuid.UUID, usage TenantUsage) error
}

// UserRepository defines operations for user persistence, always scoped to a tenant.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*User, error)
	Update(ctx context.Context, user *User) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
}

// DocumentRepository defines operations for document persistence
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	GetByHash(ctx context.Context, tenantID uuid.UUID, hash string) (*Document, error)
	List(ctx context.Context, tenantID uuid.UUID, status string, limit, offset int) ([]*Document, int, error)
	Update(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, id uuid.UUID) error

	// Chunk operations
	CreateChunks(ctx context.Context, chunks []*DocumentChunk) error
	GetChunks(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*DocumentChunk, error)
	DeleteChunks(ctx context.Context, documentID uuid.UUID) error
}
