package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/platinummonkey/pulse/pkg/storage"
)

// ObjectStore is the object storage the archiver writes to
type ObjectStore interface {
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) error
	Bucket() string
}

// S3Archiver writes completed report results as JSON under reports/<tenant>/<id>.json
type S3Archiver struct {
	objects ObjectStore
}

// NewS3Archiver creates an archiver over an S3-compatible object store
func NewS3Archiver(objects ObjectStore) *S3Archiver {
	return &S3Archiver{objects: objects}
}

// ArchiveKey is the object key of a report's archived results
func ArchiveKey(tenantID, reportID string) string {
	return fmt.Sprintf("reports/%s/%s.json", tenantID, reportID)
}

type archivedReport struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenantId"`
	ReportName  string                 `json:"reportName"`
	ReportType  string                 `json:"reportType"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	GeneratedAt *time.Time             `json:"generatedAt,omitempty"`
	Results     interface{}            `json:"results"`
}

func (a *S3Archiver) Archive(ctx context.Context, r *storage.Report) (string, error) {
	body, err := json.Marshal(archivedReport{
		ID:          r.ID,
		TenantID:    r.TenantID,
		ReportName:  r.ReportName,
		ReportType:  r.ReportType,
		Parameters:  r.Parameters,
		GeneratedAt: r.GeneratedAt,
		Results:     r.Results,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode report %s: %w", r.ID, err)
	}

	key := ArchiveKey(r.TenantID, r.ID)
	if err := a.objects.PutObject(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", a.objects.Bucket(), key), nil
}
