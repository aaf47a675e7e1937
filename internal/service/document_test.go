package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/knoguchi/ragctl/internal/apperr"
	"github.com/knoguchi/ragctl/internal/repository"
)

func TestDocumentService_CheckQuota(t *testing.T) {
	svc := &DocumentService{}

	tests := []struct {
		name          string
		quotas        repository.TenantQuotas
		usage         repository.TenantUsage
		incomingBytes int64
		wantErr       bool
		wantKind      apperr.Kind
	}{
		{
			name:          "unlimited quota allows anything",
			quotas:        repository.TenantQuotas{},
			usage:         repository.TenantUsage{DocumentCount: 1_000_000, StorageBytes: 1_000_000_000},
			incomingBytes: 1_000_000,
			wantErr:       false,
		},
		{
			name:          "document count at limit rejected",
			quotas:        repository.TenantQuotas{MaxDocuments: 10},
			usage:         repository.TenantUsage{DocumentCount: 10},
			incomingBytes: 1,
			wantErr:       true,
			wantKind:      apperr.KindQuotaExceeded,
		},
		{
			name:          "storage limit exceeded by incoming bytes rejected",
			quotas:        repository.TenantQuotas{MaxStorageBytes: 100},
			usage:         repository.TenantUsage{StorageBytes: 90},
			incomingBytes: 20,
			wantErr:       true,
			wantKind:      apperr.KindQuotaExceeded,
		},
		{
			name:          "storage exactly at limit allowed",
			quotas:        repository.TenantQuotas{MaxStorageBytes: 100},
			usage:         repository.TenantUsage{StorageBytes: 90},
			incomingBytes: 10,
			wantErr:       false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tenant := &repository.Tenant{Quotas: tc.quotas, Usage: tc.usage}
			err := svc.checkQuota(tenant, tc.incomingBytes)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Equal(t, tc.wantKind, apperr.KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHashContent_DeterministicAndDistinct(t *testing.T) {
	a := hashContent("source\nhello world")
	b := hashContent("source\nhello world")
	c := hashContent("source\nhello there")

	assert.Equal(t, a, b, "hashing the same content twice should produce the same hash")
	assert.NotEqual(t, a, c, "hashing different content should produce different hashes")
	assert.Len(t, a, 64, "sha256 hex digest should be 64 characters")
}

func TestValueOr(t *testing.T) {
	assert.Equal(t, "fallback", valueOr("", "fallback"))
	assert.Equal(t, "set", valueOr("set", "fallback"))
}

func TestDocumentService_UploadDocument_UnknownTenant(t *testing.T) {
	svc := NewDocumentService(newFakeDocumentRepo(), newFakeTenantRepo(), nil, nil, nil)

	_, err := svc.UploadDocument(context.Background(), UploadDocumentInput{
		TenantID: uuid.New(),
		Content:  []byte("hello"),
	})
	assert.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestDocumentService_UploadDocument_RejectsEmptyContent(t *testing.T) {
	svc := NewDocumentService(newFakeDocumentRepo(), newFakeTenantRepo(), nil, nil, nil)

	_, err := svc.UploadDocument(context.Background(), UploadDocumentInput{
		TenantID: uuid.New(),
		Content:  nil,
	})
	assert.Error(t, err)
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}
