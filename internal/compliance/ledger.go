package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dreamware/amnesia/internal/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS certificates (
	certificate_id   TEXT PRIMARY KEY,
	issued_at        TEXT NOT NULL,
	subject_model_id TEXT NOT NULL,
	success          INTEGER NOT NULL,
	body             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_certificates_subject ON certificates(subject_model_id, issued_at);
`

// Ledger stores issued records in SQLite.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenLedger opens (creating if needed) the ledger at path. Use ":memory:"
// for a throwaway ledger.
func OpenLedger(path string, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open ledger %s: %v", errs.ErrStorage, path, err)
	}
	// One connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create ledger schema: %v", errs.ErrStorage, err)
	}
	return &Ledger{db: db, logger: logger}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Save validates and stores r. Saving the same certificate twice fails.
func (l *Ledger) Save(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO certificates (certificate_id, issued_at, subject_model_id, success, body) VALUES (?, ?, ?, ?, ?)`,
		r.CertificateID, r.IssuedAt.UTC().Format(time.RFC3339Nano), r.SubjectModelID, r.Success, string(body))
	if err != nil {
		return fmt.Errorf("%w: save certificate %s: %v", errs.ErrStorage, r.CertificateID, err)
	}
	l.logger.Info("certificate recorded",
		zap.String("certificate_id", r.CertificateID),
		zap.String("subject_model_id", r.SubjectModelID),
		zap.Int("erased", len(r.ErasedDataIDs)),
		zap.Bool("success", r.Success))
	return nil
}

// Get loads one record.
func (l *Ledger) Get(ctx context.Context, certificateID string) (Record, error) {
	var body string
	err := l.db.QueryRowContext(ctx,
		`SELECT body FROM certificates WHERE certificate_id = ?`, certificateID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: certificate %s", errs.ErrNotFound, certificateID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: load certificate %s: %v", errs.ErrStorage, certificateID, err)
	}
	return decode(body)
}

// List returns the records for subjectModelID, oldest first. An empty
// subject lists every record.
func (l *Ledger) List(ctx context.Context, subjectModelID string) ([]Record, error) {
	query := `SELECT body FROM certificates ORDER BY issued_at, certificate_id`
	args := []any{}
	if subjectModelID != "" {
		query = `SELECT body FROM certificates WHERE subject_model_id = ? ORDER BY issued_at, certificate_id`
		args = append(args, subjectModelID)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list certificates: %v", errs.ErrStorage, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: scan certificate: %v", errs.ErrStorage, err)
		}
		r, err := decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list certificates: %v", errs.ErrStorage, err)
	}
	return out, nil
}

func decode(body string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return Record{}, fmt.Errorf("%w: decode certificate: %v", errs.ErrStorage, err)
	}
	return r, nil
}
