// Package history stores an audit trail of dosing calculations.
// The engine itself is stateless; callers decide whether and where results are recorded.
package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/dosing-safety-mcp-server/internal/domain"
)

// Record is one persisted calculation result.
type Record struct {
	ID              string          `json:"id"`
	ItemID          string          `json:"item_id"`
	CatalogVersion  string          `json:"catalog_version"`
	RequestHash     string          `json:"request_hash"`
	Contraindicated bool            `json:"contraindicated"`
	FinalDose       float64         `json:"final_dose"`
	Unit            string          `json:"unit"`
	Source          string          `json:"source,omitempty"` // api, mcp or cli
	Result          json.RawMessage `json:"result"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewRecord builds a record from a calculation result. The id is assigned here so callers
// can return it before the write completes.
func NewRecord(result *domain.CalculationResult, requestHash, source string) (*Record, error) {
	if result == nil {
		return nil, fmt.Errorf("calculation result is required")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &Record{
		ID:              uuid.NewString(),
		ItemID:          result.ItemID,
		CatalogVersion:  result.CatalogVersion,
		RequestHash:     requestHash,
		Contraindicated: result.Contraindicated,
		FinalDose:       result.FinalDose,
		Unit:            result.Unit,
		Source:          source,
		Result:          payload,
	}, nil
}

// HashRequest returns a stable hex digest of any JSON-encodable request.
func HashRequest(request any) (string, error) {
	raw, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// ListOptions narrows and pages a listing.
type ListOptions struct {
	ItemID string
	Limit  int
	Offset int
}

// DefaultListLimit applies when ListOptions.Limit is not positive.
const DefaultListLimit = 50

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}

// Store defines the interface for calculation history storage.
type Store interface {
	// Save inserts a record. A missing ID or CreatedAt is filled in.
	Save(ctx context.Context, record *Record) error

	// Get retrieves a record by id. It returns nil, nil when no record exists.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns records, newest first.
	List(ctx context.Context, opts ListOptions) ([]*Record, error)

	// Count returns the total number of records.
	Count(ctx context.Context) (int64, error)

	// ExportJSON writes every record to writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON reads an export and inserts records whose id is not present yet.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close releases resources.
	Close() error
}

// Export is the JSON export format.
type Export struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Records    []*Record `json:"records"`
}

// exportVersion is bumped when the Record layout changes incompatibly.
const exportVersion = "1.0"

// maxExportLimit is the maximum number of entries exported at once.
const maxExportLimit = 1000000

func prepare(record *Record) error {
	if record == nil {
		return fmt.Errorf("record is required")
	}
	if record.ItemID == "" {
		return fmt.Errorf("record item id is required")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	// Stored timestamps sort lexically in SQLite, so keep one zone.
	record.CreatedAt = record.CreatedAt.UTC()
	if len(record.Result) == 0 {
		record.Result = json.RawMessage("{}")
	}
	return nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var result []byte
	err := s.Scan(
		&r.ID, &r.ItemID, &r.CatalogVersion, &r.RequestHash,
		&r.Contraindicated, &r.FinalDose, &r.Unit, &r.Source,
		&result, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Result = json.RawMessage(result)
	return r, nil
}

func exportAll(ctx context.Context, s Store, writer io.Writer) error {
	all, err := s.List(ctx, ListOptions{Limit: maxExportLimit})
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}

	export := &Export{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Count:      len(all),
		Records:    all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

func importAll(ctx context.Context, s Store, reader io.Reader) (imported int, skipped int, err error) {
	var export Export
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	for _, r := range export.Records {
		if r.ID != "" {
			existing, err := s.Get(ctx, r.ID)
			if err != nil {
				return imported, skipped, fmt.Errorf("failed to check existing: %w", err)
			}
			if existing != nil {
				skipped++
				continue
			}
		}
		if err := s.Save(ctx, r); err != nil {
			return imported, skipped, fmt.Errorf("failed to save: %w", err)
		}
		imported++
	}
	return imported, skipped, nil
}

// SaveResult records result under the hash of request and returns the new record id.
func SaveResult(ctx context.Context, store Store, result *domain.CalculationResult, request any, source string) (string, error) {
	hash, err := HashRequest(request)
	if err != nil {
		return "", err
	}
	record, err := NewRecord(result, hash, source)
	if err != nil {
		return "", err
	}
	if err := store.Save(ctx, record); err != nil {
		return "", fmt.Errorf("failed to save calculation history: %w", err)
	}
	return record.ID, nil
}
