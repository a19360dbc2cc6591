package policy

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/broomva/aiOS/internal/metrics"
	"github.com/broomva/aiOS/internal/model"
	_ "modernc.org/sqlite"
)

// DefaultApprovalTTL is how long a ticket stays pending before the expiry
// sweep moves it to expired.
const DefaultApprovalTTL = 15 * time.Minute

// ApprovalStore persists approval tickets in SQLite. The queue is shared
// process-wide but keyed by session; resolutions are serialized by the
// database writer.
type ApprovalStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewApprovalStore opens (or creates) the approvals database under dataDir.
func NewApprovalStore(dataDir string, ttl time.Duration) (*ApprovalStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}

	dbPath := filepath.Join(dataDir, "approvals.db")
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &ApprovalStore{db: db, ttl: ttl}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *ApprovalStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		requesting_sequence INTEGER NOT NULL,
		capability TEXT NOT NULL,
		intent TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at DATETIME NOT NULL,
		resolved_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_session ON tickets(session_id, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *ApprovalStore) Close() error {
	return s.db.Close()
}

// Create opens a pending ticket for the given intent.
func (s *ApprovalStore) Create(session model.SessionID, branch model.BranchID, requestingSequence uint64, intent model.Intent) (*model.ApprovalTicket, error) {
	intentJSON, err := json.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal intent: %w", err)
	}

	ticket := &model.ApprovalTicket{
		TicketID:           model.NewTicketID(),
		SessionID:          session,
		BranchID:           branch,
		RequestingSequence: requestingSequence,
		Capability:         intent.Capability,
		Intent:             intent,
		Status:             model.ApprovalPending,
	}

	_, err = s.db.Exec(
		`INSERT INTO tickets (id, session_id, branch_id, requesting_sequence, capability, intent, status, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		ticket.TicketID.String(), session.String(), branch.String(), requestingSequence,
		intent.Capability.String(), string(intentJSON), time.Now().Add(s.ttl).UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ticket: %w", err)
	}
	metrics.PendingApprovals.Inc()
	return ticket, nil
}

// Get returns a ticket by ID, applying on-read expiry so reads never
// observe an overdue pending ticket.
func (s *ApprovalStore) Get(id model.TicketID) (*model.ApprovalTicket, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, branch_id, requesting_sequence, capability, intent, status, expires_at FROM tickets WHERE id = ?`,
		id.String(),
	)
	ticket, expiresAt, err := scanTicket(row)
	if err != nil {
		return nil, err
	}
	if ticket.Status == model.ApprovalPending && time.Now().After(expiresAt) {
		if _, err := s.db.Exec(`UPDATE tickets SET status = 'expired', resolved_at = ? WHERE id = ? AND status = 'pending'`, time.Now().UTC(), id.String()); err != nil {
			return nil, fmt.Errorf("failed to expire ticket: %w", err)
		}
		metrics.PendingApprovals.Dec()
		ticket.Status = model.ApprovalExpired
	}
	return ticket, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*model.ApprovalTicket, time.Time, error) {
	var ticket model.ApprovalTicket
	var id, session, branch, capability, intentJSON, status string
	var requestingSequence uint64
	var expiresAt time.Time

	err := row.Scan(&id, &session, &branch, &requestingSequence, &capability, &intentJSON, &status, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, model.ErrTicketNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to scan ticket: %w", err)
	}

	ticket.TicketID = model.TicketID(id)
	ticket.SessionID = model.SessionID(session)
	ticket.BranchID = model.BranchID(branch)
	ticket.RequestingSequence = requestingSequence
	ticket.Capability = model.Capability(capability)
	ticket.Status = model.ApprovalStatus(status)
	if err := json.Unmarshal([]byte(intentJSON), &ticket.Intent); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to parse ticket intent: %w", err)
	}
	return &ticket, expiresAt, nil
}

// Resolve transitions a pending ticket to granted or denied. Repeating an
// identical resolution is a no-op; conflicting transitions from terminal
// states are rejected.
func (s *ApprovalStore) Resolve(id model.TicketID, granted bool) (*model.ApprovalTicket, error) {
	ticket, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	target := model.ApprovalDenied
	if granted {
		target = model.ApprovalGranted
	}

	switch ticket.Status {
	case model.ApprovalPending:
		result, err := s.db.Exec(
			`UPDATE tickets SET status = ?, resolved_at = ? WHERE id = ? AND status = 'pending'`,
			string(target), time.Now().UTC(), id.String(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve ticket: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			// Raced with another resolver; re-read and fall through to the
			// idempotency check.
			return s.Resolve(id, granted)
		}
		metrics.PendingApprovals.Dec()
		ticket.Status = target
		return ticket, nil
	case target:
		return ticket, nil
	case model.ApprovalExpired:
		return nil, fmt.Errorf("%w: ticket %s", model.ErrApprovalExpired, id)
	default:
		return nil, fmt.Errorf("ticket %s already %s, cannot transition to %s", id, ticket.Status, target)
	}
}

// Expire moves overdue pending tickets to expired and returns how many.
func (s *ApprovalStore) Expire(now time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE tickets SET status = 'expired', resolved_at = ? WHERE status = 'pending' AND expires_at < ?`,
		now.UTC(), now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire tickets: %w", err)
	}
	n, _ := result.RowsAffected()
	metrics.PendingApprovals.Sub(float64(n))
	return int(n), nil
}

// PendingForSession lists the session's pending tickets in creation order.
func (s *ApprovalStore) PendingForSession(session model.SessionID) ([]*model.ApprovalTicket, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, branch_id, requesting_sequence, capability, intent, status, expires_at
		 FROM tickets WHERE session_id = ? AND status = 'pending' ORDER BY created_at`,
		session.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tickets []*model.ApprovalTicket
	now := time.Now()
	for rows.Next() {
		ticket, expiresAt, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		if now.After(expiresAt) {
			continue
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}
