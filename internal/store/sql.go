package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/PatientSim/internal/models"
)

// sqlQueries is the statement set of one SQL dialect.
type sqlQueries struct {
	insertSession  string
	selectSession  string
	sessionExists  string
	selectTurns    string
	insertTurn     string
	listSessions   string
	insertUser     string
	selectUserName string
}

// sqlStore implements Store on database/sql; the dialect only changes the statements.
type sqlStore struct {
	db      *sql.DB
	q       sqlQueries
	backend string
}

func (s *sqlStore) Backend() string { return s.backend }

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) CreateSession(ctx context.Context, sess models.Session) error {
	patient, err := json.Marshal(sess.Patient)
	if err != nil {
		return fmt.Errorf("encode patient: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q.insertSession, sess.ThreadID, sess.OwnerID, string(patient), sess.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ThreadID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ThreadID, err)
	}
	if n == 0 {
		return ErrSessionExists
	}
	for _, t := range sess.Transcript {
		if _, err := tx.ExecContext(ctx, s.q.insertTurn, sess.ThreadID, string(t.Role), t.Content); err != nil {
			return fmt.Errorf("insert turn for %s: %w", sess.ThreadID, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) GetSession(ctx context.Context, threadID string) (*models.Session, error) {
	var (
		sess    models.Session
		patient []byte
	)
	err := s.db.QueryRowContext(ctx, s.q.selectSession, threadID).Scan(&sess.ThreadID, &sess.OwnerID, &patient, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select session %s: %w", threadID, err)
	}
	if err := json.Unmarshal(patient, &sess.Patient); err != nil {
		return nil, fmt.Errorf("decode patient of %s: %w", threadID, err)
	}

	rows, err := s.db.QueryContext(ctx, s.q.selectTurns, threadID)
	if err != nil {
		return nil, fmt.Errorf("select turns of %s: %w", threadID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var t models.TurnRecord
		var role string
		if err := rows.Scan(&role, &t.Content); err != nil {
			return nil, fmt.Errorf("scan turn of %s: %w", threadID, err)
		}
		t.Role = models.Role(role)
		sess.Transcript = append(sess.Transcript, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns of %s: %w", threadID, err)
	}
	return &sess, nil
}

func (s *sqlStore) AppendTurns(ctx context.Context, threadID string, turns ...models.TurnRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append turns: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, s.q.sessionExists, threadID).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("append to %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check session %s: %w", threadID, err)
	}
	for _, t := range turns {
		if _, err := tx.ExecContext(ctx, s.q.insertTurn, threadID, string(t.Role), t.Content); err != nil {
			return fmt.Errorf("insert turn for %s: %w", threadID, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) ListSessions(ctx context.Context, ownerID string) ([]models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.q.listSessions, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions of %s: %w", ownerID, err)
	}
	defer rows.Close()

	out := make([]models.SessionSummary, 0)
	for rows.Next() {
		var (
			threadID string
			patient  []byte
			c        models.PatientCase
		)
		if err := rows.Scan(&threadID, &patient); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if err := json.Unmarshal(patient, &c); err != nil {
			return nil, fmt.Errorf("decode patient of %s: %w", threadID, err)
		}
		out = append(out, models.SessionSummary{ThreadID: threadID, Patient: c.Name, Disease: c.Disease})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) CreateUser(ctx context.Context, u models.User) error {
	res, err := s.db.ExecContext(ctx, s.q.insertUser, u.ID, u.Username, u.PasswordHash, u.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.Username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.Username, err)
	}
	if n == 0 {
		return models.ErrUsernameTaken
	}
	return nil
}

func (s *sqlStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx, s.q.selectUserName, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select user %s: %w", username, err)
	}
	return &u, nil
}
