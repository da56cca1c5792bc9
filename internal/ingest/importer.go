package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/models"
)

// RuleWriter persists parsed rules, replacing rules with the same code.
type RuleWriter interface {
	Upsert(ctx context.Context, rules []models.PricingRule) (int, error)
}

// ImportRecorder keeps the import audit trail. GetByContentHash returns
// (nil, nil) when the tenant never applied that file.
type ImportRecorder interface {
	Create(ctx context.Context, imp *models.RuleImport) error
	GetByContentHash(ctx context.Context, tenantID uuid.UUID, hash string) (*models.RuleImport, error)
}

// ImportRequest is one uploaded file.
type ImportRequest struct {
	// ID pins the import record's id; zero generates one.
	ID             uuid.UUID
	TenantID       uuid.UUID
	Filename       string
	FileSize       int64
	Body           io.Reader
	IdempotencyKey string
}

// ImportResult reports what the import did. Duplicate is set when the same
// file was already applied and nothing was written.
type ImportResult struct {
	Import    *models.RuleImport
	Warnings  []string
	Duplicate bool
}

// Importer turns uploaded CSV files into tenant pricing rules.
type Importer struct {
	rules   RuleWriter
	imports ImportRecorder
	now     func() time.Time
	logger  *slog.Logger
}

// NewImporter creates an importer.
func NewImporter(rules RuleWriter, imports ImportRecorder) *Importer {
	return &Importer{
		rules:   rules,
		imports: imports,
		now:     time.Now,
		logger:  slog.Default().With(slog.String("service", "rule-import")),
	}
}

// Import parses and applies a file. A file rejected on its headers is still
// recorded, with status rejected, and the parse error is returned.
func (i *Importer) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	if req.TenantID == uuid.Nil {
		return nil, errors.New("tenant id is required")
	}
	logger := i.logger.With(
		slog.String("tenant_id", req.TenantID.String()),
		slog.String("filename", req.Filename))

	parsed, parseErr := ParseRules(req.Body, req.TenantID)

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	imp := &models.RuleImport{
		ID:        id,
		TenantID:  req.TenantID,
		Filename:  req.Filename,
		FileSize:  req.FileSize,
		RowCount:  parsed.RowCount,
		CreatedAt: i.now().UTC(),
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		imp.IdempotencyKey = &key
	}
	warnings, err := json.Marshal(parsed.Warnings)
	if err != nil {
		return nil, fmt.Errorf("encode import warnings: %w", err)
	}
	imp.Warnings = warnings

	if parseErr != nil {
		imp.Status = models.RuleImportRejected
		imp.Errors, _ = json.Marshal([]string{parseErr.Error()})
		if err := i.imports.Create(ctx, imp); err != nil {
			return nil, fmt.Errorf("record rejected import: %w", err)
		}
		logger.Warn("rule import rejected", slog.String("error", parseErr.Error()))
		return &ImportResult{Import: imp, Warnings: parsed.Warnings}, parseErr
	}

	existing, err := i.imports.GetByContentHash(ctx, req.TenantID, parsed.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("check duplicate import: %w", err)
	}
	if existing != nil {
		logger.Info("rule import skipped, file already applied",
			slog.String("import_id", existing.ID.String()))
		return &ImportResult{Import: existing, Warnings: parsed.Warnings, Duplicate: true}, nil
	}

	now := i.now().UTC()
	for idx := range parsed.Rules {
		parsed.Rules[idx].CreatedAt = now
		parsed.Rules[idx].UpdatedAt = now
	}
	written, err := i.rules.Upsert(ctx, parsed.Rules)
	if err != nil {
		return nil, fmt.Errorf("write pricing rules: %w", err)
	}

	hash := parsed.ContentHash
	imp.ContentHash = &hash
	imp.Status = models.RuleImportApplied
	imp.ImportedCount = written
	imp.Errors = json.RawMessage(`[]`)
	if err := i.imports.Create(ctx, imp); err != nil {
		return nil, fmt.Errorf("record import: %w", err)
	}

	logger.Info("rule import applied",
		slog.String("import_id", imp.ID.String()),
		slog.Int("row_count", parsed.RowCount),
		slog.Int("imported_count", written),
		slog.Int("warning_count", len(parsed.Warnings)))
	return &ImportResult{Import: imp, Warnings: parsed.Warnings}, nil
}
