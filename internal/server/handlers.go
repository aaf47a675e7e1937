package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/knoguchi/ragctl/internal/apperr"
	"github.com/knoguchi/ragctl/internal/auth"
	"github.com/knoguchi/ragctl/internal/repository"
	"github.com/knoguchi/ragctl/internal/service"
)

// httpHandlers holds the services route handlers dispatch into. Handlers are
// thin: decode, call a service method, encode — all business logic lives in
// internal/service.
type httpHandlers struct {
	identity *service.IdentityService
	tenant   *service.TenantService
	document *service.DocumentService
	rag      *service.RAGService
	logger   *slog.Logger
}

// --- Auth ---

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id"`
}

func (h *httpHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		writeError(w, r, apperr.InvalidArgument("invalid tenant_id"))
		return
	}

	user, err := h.identity.Register(r.Context(), service.RegisterInput{
		TenantID: tenantID,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id"`
}

func (h *httpHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		writeError(w, r, apperr.InvalidArgument("invalid tenant_id"))
		return
	}

	tokens, err := h.identity.Login(r.Context(), service.LoginInput{
		TenantID: tenantID,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *httpHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tokens, err := h.identity.Refresh(r.Context(), service.RefreshInput{RefreshToken: req.RefreshToken})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

type validateRequest struct {
	Token string `json:"token"`
}

func (h *httpHandlers) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	claims, err := h.identity.Validate(r.Context(), req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "claims": claims})
}

// --- Documents ---

func (h *httpHandlers) uploadDocument(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.RequireTenant(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, _ := auth.UserFromContext(r.Context())

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, r, apperr.InvalidArgument("invalid multipart form: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, apperr.InvalidArgument("file is required"))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, apperr.Internal("failed to read uploaded file: %v", err))
		return
	}

	var metadata map[string]string
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			writeError(w, r, apperr.InvalidArgument("metadata must be a JSON object"))
			return
		}
	}

	var uploadedBy uuid.UUID
	if user != nil {
		uploadedBy = user.ID
	}

	doc, err := h.document.UploadDocument(r.Context(), service.UploadDocumentInput{
		TenantID:    tenant.ID,
		UploadedBy:  uploadedBy,
		Source:      header.Filename,
		Title:       header.Filename,
		ContentType: contentTypeOf(header),
		Content:     content,
		Metadata:    metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func contentTypeOf(header *multipart.FileHeader) string {
	if ct := header.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (h *httpHandlers) listDocuments(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.RequireTenant(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	size, offset := pageParams(r)
	docs, total, err := h.document.ListDocuments(r.Context(), tenant.ID, r.URL.Query().Get("status"), size, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": docs, "total": total, "size": size})
}

func (h *httpHandlers) documentStats(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.RequireTenant(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.tenant.GetTenant(r.Context(), tenant.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_documents": t.Usage.DocumentCount,
		"storage_bytes":   t.Usage.StorageBytes,
	})
}

func (h *httpHandlers) getDocument(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := h.document.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type updateDocumentRequest struct {
	Filename *string           `json:"filename"`
	Metadata map[string]string `json:"metadata"`
}

func (h *httpHandlers) updateDocument(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := h.document.UpdateDocument(r.Context(), id, service.UpdateDocumentInput{
		Title:    req.Filename,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *httpHandlers) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.document.DeleteDocument(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- RAG ---

type ragQueryRequest struct {
	TenantID       string   `json:"tenant_id"`
	Query          string   `json:"query"`
	TopK           int      `json:"top_k"`
	ConversationID string   `json:"conversation_id"`
	DocumentIDs    []string `json:"document_ids"`
}

func (h *httpHandlers) resolveTenantID(r *http.Request, bodyTenantID string) (uuid.UUID, error) {
	if tenant, ok := auth.TenantFromContext(r.Context()); ok {
		return tenant.ID, nil
	}
	return uuid.Parse(bodyTenantID)
}

func (h *httpHandlers) ragQuery(w http.ResponseWriter, r *http.Request) {
	var req ragQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tenantID, err := h.resolveTenantID(r, req.TenantID)
	if err != nil {
		writeError(w, r, apperr.InvalidArgument("invalid tenant_id"))
		return
	}

	result, err := h.rag.Query(r.Context(), service.QueryInput{
		TenantID:  tenantID,
		Query:     req.Query,
		SessionID: req.ConversationID,
		Options: &service.QueryOptionsInput{
			TopK:        req.TopK,
			DocumentIDs: req.DocumentIDs,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response": result.Answer,
		"sources":  result.Sources,
		"metrics":  result.Metadata,
	})
}

func (h *httpHandlers) ragQueryStream(w http.ResponseWriter, r *http.Request) {
	var req ragQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tenantID, err := h.resolveTenantID(r, req.TenantID)
	if err != nil {
		writeError(w, r, apperr.InvalidArgument("invalid tenant_id"))
		return
	}

	events, err := h.rag.QueryStream(r.Context(), service.QueryInput{
		TenantID:  tenantID,
		Query:     req.Query,
		SessionID: req.ConversationID,
		Options: &service.QueryOptionsInput{
			TopK:        req.TopK,
			DocumentIDs: req.DocumentIDs,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, apperr.Internal("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var citations []*service.RetrievedChunk
	citationsSent := false

	for ev := range events {
		switch ev.Type {
		case service.StreamEventSource:
			citations = append(citations, ev.Source)
		case service.StreamEventToken:
			if !citationsSent {
				writeSSE(w, "citations", map[string]any{"sources": citations})
				citationsSent = true
			}
			writeSSE(w, "delta", map[string]string{"text": ev.Token})
		case service.StreamEventMetadata:
			if !citationsSent {
				writeSSE(w, "citations", map[string]any{"sources": citations})
				citationsSent = true
			}
			writeSSE(w, "done", ev.Metadata)
		case service.StreamEventError:
			writeSSE(w, "error", map[string]string{"message": ev.Err.Error()})
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

func (h *httpHandlers) getConversation(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.RequireTenant(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID := chi.URLParam(r, "id")
	conv, err := h.rag.GetConversation(r.Context(), tenant.ID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *httpHandlers) deleteConversation(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.RequireTenant(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID := chi.URLParam(r, "id")
	if err := h.rag.ClearConversation(r.Context(), tenant.ID, sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Embeddings ---

type embeddingsGenerateRequest struct {
	Texts []string `json:"texts" validate:"required,min=1"`
	Model string   `json:"model"`
}

func (h *httpHandlers) embeddingsGenerate(w http.ResponseWriter, r *http.Request) {
	var req embeddingsGenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	embeddings, err := h.rag.EmbedTexts(r.Context(), req.Texts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"embeddings": embeddings})
}

type embeddingsSearchRequest struct {
	Embedding []float32         `json:"embedding"`
	TopK      int               `json:"top_k"`
	Filters   map[string]string `json:"filters"`
}

func (h *httpHandlers) embeddingsSearch(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.RequireTenant(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req embeddingsSearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	results, err := h.rag.SearchByVector(r.Context(), service.SearchByVectorInput{
		TenantID:  tenant.ID,
		Embedding: req.Embedding,
		TopK:      req.TopK,
		Filters:   req.Filters,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// --- Admin: tenants ---

type createTenantRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

func (h *httpHandlers) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.tenant.CreateTenant(r.Context(), service.CreateTenantInput{Name: req.Name, Slug: req.Slug})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *httpHandlers) listTenants(w http.ResponseWriter, r *http.Request) {
	size, offset := pageParams(r)
	tenants, total, err := h.tenant.ListTenants(r.Context(), size, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tenants, "total": total, "size": size})
}

func (h *httpHandlers) getTenant(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.tenant.GetTenant(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateTenantRequest struct {
	Name   string                   `json:"name"`
	Status string                   `json:"status"`
	Config *repository.TenantConfig `json:"config"`
	Quotas *repository.TenantQuotas `json:"quotas"`
}

func (h *httpHandlers) updateTenant(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.tenant.UpdateTenant(r.Context(), id, service.UpdateTenantInput{
		Name:   req.Name,
		Status: req.Status,
		Config: req.Config,
		Quotas: req.Quotas,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *httpHandlers) deleteTenant(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.tenant.DeleteTenant(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandlers) regenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	key, err := h.tenant.RegenerateAPIKey(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": key})
}
