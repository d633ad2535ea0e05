package resolution

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manualRow(contactID, accountID uuid.UUID) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"normalized_key", "source_value", "contact_id", "account_id", "created_by", "created_at",
	}).AddRow("a@corp.com", "A@Corp.com", contactID, accountID, "ops@corp.com", time.Now())
}

func contactRow(contactID, accountID uuid.UUID) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "account_id", "last_modified_at"}).
		AddRow(contactID, accountID, time.Now())
}

func TestKeyFor(t *testing.T) {
	tests := []struct {
		name      string
		kind      EntityKind
		raw       string
		wantOK    bool
		wantExact string
		wantFuzzy string
	}{
		{"email", KindEmail, "  John@Example.com  ", true, "john@example.com", "example.com"},
		{"email with tag", KindEmail, "john+crm@example.com", true, "john@example.com", "example.com"},
		{"malformed email", KindEmail, "not-an-email", false, "", ""},
		{"phone", KindPhone, "+1 (555) 123-4567", true, "+15551234567", "5551234567"},
		{"phone default region", KindPhone, "555-123-4567", true, "+15551234567", "5551234567"},
		{"malformed phone", KindPhone, "hello", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Participant{ID: uuid.New(), Kind: tt.kind, RawValue: tt.raw}
			key, ok := KeyFor(p, "US")
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.kind, key.Kind)
				assert.Equal(t, tt.wantExact, key.Exact)
				assert.Equal(t, tt.wantFuzzy, key.Fuzzy)
			}
		})
	}
}

func TestMatcher_ManualOverrideShortCircuits(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	contactID, accountID := uuid.New(), uuid.New()
	// Only the manual_mappings lookup runs; contacts is never touched
	// even though it would also match.
	mock.ExpectQuery(`FROM manual_mappings`).
		WithArgs("a@corp.com").
		WillReturnRows(manualRow(contactID, accountID))

	matcher := NewMatcher(NewStore(db, time.Second))
	cand, err := matcher.Resolve(context.Background(), Key{Kind: KindEmail, Exact: "a@corp.com", Fuzzy: "corp.com"})
	require.NoError(t, err)
	require.NotNil(t, cand)

	assert.Equal(t, ConfidenceManual, cand.Confidence)
	assert.Equal(t, contactID, cand.ContactID)
	require.NotNil(t, cand.AccountID)
	assert.Equal(t, accountID, *cand.AccountID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatcher_ExactEmailMatch(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	contactID, accountID := uuid.New(), uuid.New()
	mock.ExpectQuery(`FROM manual_mappings`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`ANY\(emails\)`).
		WithArgs("a@corp.com").
		WillReturnRows(contactRow(contactID, accountID))

	matcher := NewMatcher(NewStore(db, time.Second))
	cand, err := matcher.Resolve(context.Background(), Key{Kind: KindEmail, Exact: "a@corp.com", Fuzzy: "corp.com"})
	require.NoError(t, err)
	require.NotNil(t, cand)

	assert.Equal(t, ConfidenceExact, cand.Confidence)
	assert.Equal(t, contactID, cand.ContactID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatcher_FuzzyEmailDomainIsLastResort(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	contactID := uuid.New()
	mock.ExpectQuery(`FROM manual_mappings`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`ANY\(emails\)`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`ANY\(email_domains\)`).
		WithArgs("corp.com").
		WillReturnRows(contactRow(contactID, uuid.New()))

	matcher := NewMatcher(NewStore(db, time.Second))
	cand, err := matcher.Resolve(context.Background(), Key{Kind: KindEmail, Exact: "b@corp.com", Fuzzy: "corp.com"})
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, ConfidenceFuzzy, cand.Confidence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatcher_FuzzyPhoneLast10(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// Contact C2 stored +44 555 1234567 shares the last-10 tail with the
	// normalized +15551234567.
	contactID := uuid.New()
	mock.ExpectQuery(`FROM manual_mappings`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`ANY\(phones\)`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`ANY\(phones_last10\)`).
		WithArgs("5551234567").
		WillReturnRows(contactRow(contactID, uuid.New()))

	matcher := NewMatcher(NewStore(db, time.Second))
	cand, err := matcher.Resolve(context.Background(), Key{Kind: KindPhone, Exact: "+15551234567", Fuzzy: "5551234567"})
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, ConfidenceFuzzy, cand.Confidence)
	assert.Equal(t, contactID, cand.ContactID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatcher_NoMatch(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery(`FROM manual_mappings`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`ANY\(emails\)`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`ANY\(email_domains\)`).WillReturnError(sql.ErrNoRows)

	matcher := NewMatcher(NewStore(db, time.Second))
	cand, err := matcher.Resolve(context.Background(), Key{Kind: KindEmail, Exact: "x@nowhere.io", Fuzzy: "nowhere.io"})
	require.NoError(t, err)
	assert.Nil(t, cand)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatcher_LookupErrorDegradesToNextStrategy(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// A broken manual-mapping lookup must not fail the record; the chain
	// continues and the exact strategy still resolves it.
	contactID := uuid.New()
	mock.ExpectQuery(`FROM manual_mappings`).
		WillReturnError(errors.New("relation does not exist"))
	mock.ExpectQuery(`ANY\(emails\)`).
		WillReturnRows(contactRow(contactID, uuid.New()))

	matcher := NewMatcher(NewStore(db, time.Second))
	cand, err := matcher.Resolve(context.Background(), Key{Kind: KindEmail, Exact: "a@corp.com", Fuzzy: "corp.com"})
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, ConfidenceExact, cand.Confidence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatcher_FuzzySkippedWithoutFuzzyKey(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery(`FROM manual_mappings`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`ANY\(phones\)`).WillReturnError(sql.ErrNoRows)
	// No phones_last10 query: the fuzzy key is empty.

	matcher := NewMatcher(NewStore(db, time.Second))
	cand, err := matcher.Resolve(context.Background(), Key{Kind: KindPhone, Exact: "+1555123", Fuzzy: ""})
	require.NoError(t, err)
	assert.Nil(t, cand)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfidenceRank(t *testing.T) {
	assert.Greater(t, ConfidenceManual.Rank(), ConfidenceExact.Rank())
	assert.Greater(t, ConfidenceExact.Rank(), ConfidenceFuzzy.Rank())
	assert.Greater(t, ConfidenceFuzzy.Rank(), Confidence("").Rank())
}
