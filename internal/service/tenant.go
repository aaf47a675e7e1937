// Package service implements business logic for tenant management, identity,
// document ingestion, and RAG queries.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/ragctl/internal/apperr"
	"github.com/knoguchi/ragctl/internal/config"
	"github.com/knoguchi/ragctl/internal/embedder"
	"github.com/knoguchi/ragctl/internal/repository"
	"github.com/knoguchi/ragctl/internal/vectorstore"
)

// TenantService manages tenant lifecycle: creation, configuration, quotas, and
// API key rotation. Every tenant owns its own vector collection, keeping
// retrieval fully isolated at the storage layer.
type TenantService struct {
	repo        repository.TenantRepository
	vectorStore vectorstore.VectorStore
	cfg         *config.Config
}

// NewTenantService creates a new TenantService
func NewTenantService(repo repository.TenantRepository, vectorStore vectorstore.VectorStore, cfg *config.Config) *TenantService {
	return &TenantService{
		repo:        repo,
		vectorStore: vectorStore,
		cfg:         cfg,
	}
}

// CreateTenantInput is the caller-supplied subset of a Tenant's fields. Zero
// values fall back to the tenant's defaults (derived from the cluster's
// configured defaults and the embedding model's own chunk-size limits).
type CreateTenantInput struct {
	ID     string
	Name   string
	Slug   string
	Config *repository.TenantConfig
	Quotas *repository.TenantQuotas
}

// CreateTenant provisions a new tenant: an API key, a default (or
// caller-supplied) config, a quota ceiling, and a dedicated vector collection.
func (s *TenantService) CreateTenant(ctx context.Context, in CreateTenantInput) (*repository.Tenant, error) {
	if in.Name == "" {
		return nil, apperr.InvalidArgument("name is required")
	}
	if in.Slug == "" {
		return nil, apperr.InvalidArgument("slug is required")
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, apperr.Internal("failed to generate API key: %v", err)
	}

	tenantConfig := s.buildTenantConfig(in.Config)
	if err := s.validateTenantConfig(tenantConfig); err != nil {
		return nil, apperr.InvalidArgument("invalid config: %v", err)
	}

	quotas := s.buildTenantQuotas(in.Quotas)

	var tenantID uuid.UUID
	if in.ID != "" {
		tenantID, err = uuid.Parse(in.ID)
		if err != nil {
			return nil, apperr.InvalidArgument("invalid tenant ID format: %v", err)
		}
	} else {
		tenantID = uuid.New()
	}

	now := time.Now()
	tenant := &repository.Tenant{
		ID:        tenantID,
		Name:      in.Name,
		Slug:      in.Slug,
		Status:    "active",
		APIKey:    apiKey,
		Config:    tenantConfig,
		Quotas:    quotas,
		Usage:     repository.TenantUsage{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, tenant); err != nil {
		return nil, apperr.Internal("failed to create tenant: %v", err)
	}

	// nomic-embed-text, the default embedding model, produces 768-dim vectors.
	dimension := embedder.GetModelConfig(tenantConfig.EmbeddingModel).Dimension
	if dimension <= 0 {
		dimension = 768
	}
	if err := s.vectorStore.CreateCollection(ctx, tenant.ID.String(), dimension); err != nil {
		// The collection can be created lazily on first upsert; don't fail
		// tenant creation over it.
		_ = err
	}

	return tenant, nil
}

// GetTenant retrieves a tenant by ID.
func (s *TenantService) GetTenant(ctx context.Context, id uuid.UUID) (*repository.Tenant, error) {
	tenant, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("tenant not found")
		}
		return nil, apperr.Internal("failed to get tenant: %v", err)
	}
	return tenant, nil
}

// ListTenants lists tenants (an admin-only operation at the HTTP layer).
func (s *TenantService) ListTenants(ctx context.Context, pageSize, offset int) ([]*repository.Tenant, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	tenants, total, err := s.repo.List(ctx, pageSize, offset)
	if err != nil {
		return nil, 0, apperr.Internal("failed to list tenants: %v", err)
	}
	return tenants, total, nil
}

// UpdateTenantInput carries the fields a caller may update; nil Config leaves
// the existing config untouched, a non-nil Config is merged field by field.
type UpdateTenantInput struct {
	Name   string
	Status string
	Config *repository.TenantConfig
	Quotas *repository.TenantQuotas
}

// UpdateTenant updates a tenant's name, status, config, and/or quotas.
func (s *TenantService) UpdateTenant(ctx context.Context, id uuid.UUID, in UpdateTenantInput) (*repository.Tenant, error) {
	tenant, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("tenant not found")
		}
		return nil, apperr.Internal("failed to get tenant: %v", err)
	}

	if in.Name != "" {
		tenant.Name = in.Name
	}
	if in.Status != "" {
		tenant.Status = in.Status
	}

	if in.Config != nil {
		merged := s.mergeConfig(tenant.Config, *in.Config)
		if err := s.validateTenantConfig(merged); err != nil {
			return nil, apperr.InvalidArgument("invalid config: %v", err)
		}
		tenant.Config = merged
	}

	if in.Quotas != nil {
		tenant.Quotas = s.mergeQuotas(tenant.Quotas, *in.Quotas)
	}

	tenant.UpdatedAt = time.Now()

	if err := s.repo.Update(ctx, tenant); err != nil {
		return nil, apperr.Internal("failed to update tenant: %v", err)
	}
	return tenant, nil
}

// DeleteTenant removes a tenant's vector collection and its row. Documents,
// chunks, and users cascade via the schema's foreign keys.
func (s *TenantService) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	if err := s.vectorStore.DeleteCollection(ctx, id.String()); err != nil {
		// The collection may already be gone; proceed with tenant deletion
		// regardless so a partially-provisioned tenant can still be removed.
		_ = err
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("tenant not found")
		}
		return apperr.Internal("failed to delete tenant: %v", err)
	}
	return nil
}

// RegenerateAPIKey issues a new API key for a tenant, invalidating the old one.
func (s *TenantService) RegenerateAPIKey(ctx context.Context, id uuid.UUID) (string, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", apperr.NotFound("tenant not found")
		}
		return "", apperr.Internal("failed to get tenant: %v", err)
	}

	newAPIKey, err := generateAPIKey()
	if err != nil {
		return "", apperr.Internal("failed to generate API key: %v", err)
	}

	if err := s.repo.UpdateAPIKey(ctx, id, newAPIKey); err != nil {
		return "", apperr.Internal("failed to update API key: %v", err)
	}
	return newAPIKey, nil
}

// generateAPIKey generates a new API key with format "rag_" + 32 random hex chars
func generateAPIKey() (string, error) {
	bytes := make([]byte, 16) // 16 bytes = 32 hex chars
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "rag_" + hex.EncodeToString(bytes), nil
}

// buildTenantConfig builds a tenant config with cluster defaults, overridden
// field by field by the caller-supplied overrides.
func (s *TenantService) buildTenantConfig(overrides *repository.TenantConfig) repository.TenantConfig {
	embeddingModel := s.cfg.OllamaEmbeddingModel
	if overrides != nil && overrides.EmbeddingModel != "" {
		embeddingModel = overrides.EmbeddingModel
	}

	modelCfg := embedder.GetModelConfig(embeddingModel)

	cfg := repository.TenantConfig{
		EmbeddingModel: embeddingModel,
		LLMModel:       s.cfg.OllamaLLMModel,
		Chunker: repository.ChunkerConfig{
			Method:     s.cfg.DefaultChunkMethod,
			TargetSize: modelCfg.TargetChunkWords,
			MaxSize:    modelCfg.MaxChunkWords,
			Overlap:    s.cfg.DefaultChunkOverlap,
		},
		TopK:               s.cfg.DefaultTopK,
		MinScore:           s.cfg.DefaultMinScore,
		ContextTokenBudget: s.cfg.ContextTokenBudget,
		SystemPrompt:       defaultSystemPrompt,
	}

	if overrides == nil {
		return cfg
	}
	return s.mergeConfig(cfg, *overrides)
}

// mergeConfig overlays non-zero fields of overrides onto existing.
func (s *TenantService) mergeConfig(existing repository.TenantConfig, overrides repository.TenantConfig) repository.TenantConfig {
	if overrides.EmbeddingModel != "" {
		existing.EmbeddingModel = overrides.EmbeddingModel
	}
	if overrides.LLMModel != "" {
		existing.LLMModel = overrides.LLMModel
	}
	if overrides.TopK > 0 {
		existing.TopK = overrides.TopK
	}
	if overrides.MinScore > 0 {
		existing.MinScore = overrides.MinScore
	}
	if overrides.ContextTokenBudget > 0 {
		existing.ContextTokenBudget = overrides.ContextTokenBudget
	}
	if overrides.SystemPrompt != "" {
		existing.SystemPrompt = overrides.SystemPrompt
	}

	if overrides.Chunker.Method != "" {
		existing.Chunker.Method = overrides.Chunker.Method
	}
	if overrides.Chunker.TargetSize > 0 {
		existing.Chunker.TargetSize = overrides.Chunker.TargetSize
	}
	if overrides.Chunker.MaxSize > 0 {
		existing.Chunker.MaxSize = overrides.Chunker.MaxSize
	}
	if overrides.Chunker.Overlap > 0 {
		existing.Chunker.Overlap = overrides.Chunker.Overlap
	}

	return existing
}

// buildTenantQuotas applies cluster defaults, overridden by the caller.
func (s *TenantService) buildTenantQuotas(overrides *repository.TenantQuotas) repository.TenantQuotas {
	quotas := repository.TenantQuotas{
		MaxDocuments:    s.cfg.DefaultMaxDocuments,
		MaxStorageBytes: s.cfg.DefaultMaxStorageBytes,
	}
	if overrides == nil {
		return quotas
	}
	return s.mergeQuotas(quotas, *overrides)
}

func (s *TenantService) mergeQuotas(existing repository.TenantQuotas, overrides repository.TenantQuotas) repository.TenantQuotas {
	if overrides.MaxDocuments > 0 {
		existing.MaxDocuments = overrides.MaxDocuments
	}
	if overrides.MaxStorageBytes > 0 {
		existing.MaxStorageBytes = overrides.MaxStorageBytes
	}
	return existing
}

// validateTenantConfig validates the tenant configuration
func (s *TenantService) validateTenantConfig(config repository.TenantConfig) error {
	if config.EmbeddingModel == "" {
		return errors.New("embedding_model is required")
	}
	if config.LLMModel == "" {
		return errors.New("llm_model is required")
	}

	validMethods := map[string]bool{"fixed": true, "semantic": true, "sentence": true}
	if config.Chunker.Method != "" && !validMethods[config.Chunker.Method] {
		return errors.New("invalid chunker method: " + config.Chunker.Method)
	}
	if config.Chunker.TargetSize < 0 {
		return errors.New("chunker target_size cannot be negative")
	}
	if config.Chunker.MaxSize < 0 {
		return errors.New("chunker max_size cannot be negative")
	}
	if config.Chunker.TargetSize > 0 && config.Chunker.MaxSize > 0 && config.Chunker.TargetSize > config.Chunker.MaxSize {
		return errors.New("chunker target_size cannot be greater than max_size")
	}
	if config.Chunker.Overlap < 0 {
		return errors.New("chunker overlap cannot be negative")
	}
	if config.TopK < 0 {
		return errors.New("top_k cannot be negative")
	}
	if config.MinScore < 0 || config.MinScore > 1 {
		return errors.New("min_score must be between 0 and 1")
	}

	return nil
}

const defaultSystemPrompt = `You are a concise knowledge assistant. Answer questions using ONLY the provided documents.

IMPORTANT: Be brief and direct. Most answers should be 2-5 sentences.

Rules:
- Give the direct answer first, then brief supporting details only if needed
- Do NOT include step-by-step instructions unless specifically asked
- Do NOT include code examples unless specifically asked for code
- If the documents don't cover the topic, say "The documents don't cover this."
- Never invent information not in the provided documents`
