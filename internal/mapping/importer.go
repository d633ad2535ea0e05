package mapping

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/normalize"
)

// Importer loads operator-curated override mappings from CSV into
// manual_mappings. Each row pins a raw email or phone value to a contact;
// the matcher consults the table before any automatic strategy.
type Importer struct {
	db            *sql.DB
	defaultRegion string
}

func NewImporter(db *sql.DB, defaultRegion string) *Importer {
	return &Importer{db: db, defaultRegion: defaultRegion}
}

const importBatchSize = 500

// columnMapping holds the CSV column index for each canonical field.
// A value of -1 means the column is absent.
type columnMapping struct {
	sourceValue int
	contactID   int
	accountID   int
	createdBy   int
}

// row is a parsed, normalized CSV row ready to upsert.
type row struct {
	normalizedKey string
	sourceValue   string
	contactID     uuid.UUID
	accountID     uuid.NullUUID
	createdBy     string
}

// ImportFromReader reads a CSV stream, normalizes each source value, and
// upserts the mappings. Returns (imported, errors, err). Rows whose source
// value cannot be normalized or whose contact id is malformed are counted
// as errors, not failures.
func (imp *Importer) ImportFromReader(ctx context.Context, r io.Reader, sourceFile string) (int, int, error) {
	reader := csv.NewReader(stripBOM(r))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("read header: %w", err)
	}

	mapping := mapColumns(header)
	if mapping == nil {
		return 0, 0, fmt.Errorf("no source_value or contact_id column in header: %v", header)
	}

	var batch []row
	imported, errCount := 0, 0

	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errCount++
			continue
		}

		parsed, ok := imp.parseRow(rec, mapping)
		if !ok {
			errCount++
			continue
		}

		batch = append(batch, parsed)

		if len(batch) >= importBatchSize {
			n, e := imp.flushBatch(ctx, batch)
			imported += n
			errCount += e
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		n, e := imp.flushBatch(ctx, batch)
		imported += n
		errCount += e
	}

	log.Printf("[MappingImport] %s: imported=%d errors=%d", sourceFile, imported, errCount)
	return imported, errCount, nil
}

// mapColumns resolves header names to field indexes. Both source_value and
// contact_id are required; account_id and created_by are optional.
func mapColumns(header []string) *columnMapping {
	m := &columnMapping{sourceValue: -1, contactID: -1, accountID: -1, createdBy: -1}
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "source_value", "value", "email", "phone":
			if m.sourceValue == -1 {
				m.sourceValue = i
			}
		case "contact_id", "contact":
			m.contactID = i
		case "account_id", "account":
			m.accountID = i
		case "created_by", "author":
			m.createdBy = i
		}
	}
	if m.sourceValue == -1 || m.contactID == -1 {
		return nil
	}
	return m
}

func (imp *Importer) parseRow(rec []string, m *columnMapping) (row, bool) {
	field := func(idx int) string {
		if idx < 0 || idx >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[idx])
	}

	raw := field(m.sourceValue)
	key := imp.normalizeKey(raw)
	if key == "" {
		return row{}, false
	}

	contactID, err := uuid.Parse(field(m.contactID))
	if err != nil {
		return row{}, false
	}

	out := row{
		normalizedKey: key,
		sourceValue:   raw,
		contactID:     contactID,
		createdBy:     field(m.createdBy),
	}
	if s := field(m.accountID); s != "" {
		accountID, err := uuid.Parse(s)
		if err != nil {
			return row{}, false
		}
		out.accountID = uuid.NullUUID{UUID: accountID, Valid: true}
	}
	return out, true
}

// normalizeKey auto-detects the value type: anything with an @ is treated
// as an email, everything else as a phone number.
func (imp *Importer) normalizeKey(raw string) string {
	if strings.Contains(raw, "@") {
		return normalize.Email(raw)
	}
	return normalize.Phone(raw, imp.defaultRegion)
}

func (imp *Importer) flushBatch(ctx context.Context, rows []row) (int, int) {
	tx, err := imp.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, len(rows)
	}

	imported, errCount := 0, 0
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT batch_sp"); err != nil {
			errCount++
			continue
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO manual_mappings
				(normalized_key, source_value, contact_id, account_id, created_by, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NOW())
			ON CONFLICT (normalized_key) DO UPDATE SET
				source_value = EXCLUDED.source_value,
				contact_id = EXCLUDED.contact_id,
				account_id = EXCLUDED.account_id,
				created_by = COALESCE(EXCLUDED.created_by, manual_mappings.created_by)`,
			r.normalizedKey, r.sourceValue, r.contactID, r.accountID, r.createdBy,
		)
		if err != nil {
			tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT batch_sp")
			errCount++
			continue
		}

		tx.ExecContext(ctx, "RELEASE SAVEPOINT batch_sp")
		imported++
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[MappingImport] commit error: %v", err)
		return 0, len(rows)
	}
	return imported, errCount
}

// stripBOM wraps a reader to strip a UTF-8 BOM if present.
func stripBOM(r io.Reader) io.Reader {
	buf := make([]byte, 3)
	n, err := r.Read(buf)
	if err != nil || n < 3 {
		return io.MultiReader(strings.NewReader(string(buf[:n])), r)
	}
	if buf[0] == 0xEF && buf[1] == 0xBB && buf[2] == 0xBF {
		return r
	}
	return io.MultiReader(strings.NewReader(string(buf[:n])), r)
}
