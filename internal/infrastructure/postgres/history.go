// Package postgres provides the durable prescription history store and the
// transactional outbox used to publish committed-prescription events.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/okusuri/go-rxscan/internal/domain/prescription"
)

// HistoryStore persists committed prescriptions. The in-memory workflow
// history stays authoritative for a live session; this store is the durable
// record it is rehydrated from after a restart.
type HistoryStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewHistoryStore creates a store.
func NewHistoryStore(pool *pgxpool.Pool, logger *zap.Logger) *HistoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryStore{pool: pool, logger: logger}
}

// SaveCommitted writes a committed prescription, its medications and the
// committed-event outbox entry in a single transaction, so the event is
// published if and only if the prescription is durably recorded.
func (s *HistoryStore) SaveCommitted(ctx context.Context, sessionID string, p *prescription.Prescription) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO prescriptions (id, session_id, prescription_date, original_image)
		VALUES ($1, $2, $3, $4)
	`, p.ID, sessionID, p.PrescriptionDate, p.OriginalImage)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}

	for i, med := range p.Medications {
		_, err = tx.Exec(ctx, `
			INSERT INTO medications (id, prescription_id, position, name, dosage, usage, days)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, med.ID, p.ID, i, med.Name, med.Dosage, med.Usage, med.Days)
		if err != nil {
			return fmt.Errorf("insert medication %d: %w", i, err)
		}
	}

	event := prescription.NewCommittedEvent(sessionID, p, time.Now())
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal committed event: %w", err)
	}
	if err := writeOutboxEntry(ctx, tx, p.ID, prescription.EventCommitted, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Debug("prescription persisted",
		zap.String("prescription_id", p.ID),
		zap.String("session_id", sessionID))
	return nil
}

// ListBySession returns a session's prescriptions in commit order, each with
// its medications in on-paper order.
func (s *HistoryStore) ListBySession(ctx context.Context, sessionID string) ([]*prescription.Prescription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, prescription_date, original_image
		FROM prescriptions
		WHERE session_id = $1
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions: %w", err)
	}
	defer rows.Close()

	var history []*prescription.Prescription
	index := make(map[string]*prescription.Prescription)
	for rows.Next() {
		p := &prescription.Prescription{}
		if err := rows.Scan(&p.ID, &p.PrescriptionDate, &p.OriginalImage); err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		history = append(history, p)
		index[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}

	medRows, err := s.pool.Query(ctx, `
		SELECT m.id, m.prescription_id, m.name, m.dosage, m.usage, m.days
		FROM medications m
		JOIN prescriptions p ON p.id = m.prescription_id
		WHERE p.session_id = $1
		ORDER BY m.prescription_id, m.position ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query medications: %w", err)
	}
	defer medRows.Close()

	for medRows.Next() {
		var med prescription.Medication
		var prescriptionID string
		if err := medRows.Scan(&med.ID, &prescriptionID, &med.Name, &med.Dosage, &med.Usage, &med.Days); err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		if p, ok := index[prescriptionID]; ok {
			p.Medications = append(p.Medications, med)
		}
	}
	return history, medRows.Err()
}
