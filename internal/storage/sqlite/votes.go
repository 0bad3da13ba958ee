package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prism-engine/prism/internal/types"
)

// AppendRawVotes stores feed votes verbatim (sign convention included) and
// returns the new watermark. The engine never interprets these rows
// directly; snapshot builds route every row through the ingress layer.
func (s *SQLiteStore) AppendRawVotes(ctx context.Context, conversationID string, votes []types.RawVote) (int64, error) {
	if conversationID == "" {
		return 0, fmt.Errorf("conversation id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, v := range votes {
		observed := v.ObservedAt
		if observed.IsZero() {
			observed = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO votes (conversation_id, participant_id, statement_id, value, convention, observed_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, conversationID, v.ParticipantID, v.StatementID, v.Value, v.Convention, observed)
		if err != nil {
			return 0, fmt.Errorf("failed to insert vote: %w", err)
		}
	}

	var watermark int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM votes WHERE conversation_id = ?
	`, conversationID).Scan(&watermark)
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return watermark, nil
}

// RawVotesThrough returns the conversation's votes up to and including the
// watermark, in arrival order.
func (s *SQLiteStore) RawVotesThrough(ctx context.Context, conversationID string, watermark int64) ([]types.RawVote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id, statement_id, value, convention, observed_at
		FROM votes
		WHERE conversation_id = ? AND id <= ?
		ORDER BY id ASC
	`, conversationID, watermark)
	if err != nil {
		return nil, fmt.Errorf("failed to query votes: %w", err)
	}
	defer rows.Close()

	var votes []types.RawVote
	for rows.Next() {
		var v types.RawVote
		if err := rows.Scan(&v.ParticipantID, &v.StatementID, &v.Value, &v.Convention, &v.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// VoteWatermark returns the highest vote row id for a conversation (0 if
// the conversation has no votes).
func (s *SQLiteStore) VoteWatermark(ctx context.Context, conversationID string) (int64, error) {
	var watermark int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM votes WHERE conversation_id = ?
	`, conversationID).Scan(&watermark)
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	return watermark, nil
}

// SetModerated flags or unflags a statement as moderated out of analysis
func (s *SQLiteStore) SetModerated(ctx context.Context, conversationID, statementID string, flagged bool) error {
	var err error
	if flagged {
		_, err = s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO moderation_flags (conversation_id, statement_id) VALUES (?, ?)
		`, conversationID, statementID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			DELETE FROM moderation_flags WHERE conversation_id = ? AND statement_id = ?
		`, conversationID, statementID)
	}
	if err != nil {
		return fmt.Errorf("failed to update moderation flag: %w", err)
	}
	return nil
}

// ModeratedStatements returns the set of statements excluded from analysis
func (s *SQLiteStore) ModeratedStatements(ctx context.Context, conversationID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT statement_id FROM moderation_flags WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query moderation flags: %w", err)
	}
	defer rows.Close()

	flags := make(map[string]bool)
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, fmt.Errorf("failed to scan moderation flag: %w", err)
		}
		flags[sid] = true
	}
	return flags, rows.Err()
}

// CreateTick appends a tick to the conversation's tick ledger. Ticks must
// be created in order; creating tick N requires tick N-1 to exist (or N=1).
func (s *SQLiteStore) CreateTick(ctx context.Context, conversationID string, tick int, watermark int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(tick), 0) FROM conversation_ticks WHERE conversation_id = ?
	`, conversationID).Scan(&latest)
	if err != nil {
		return fmt.Errorf("failed to read latest tick: %w", err)
	}
	if tick != latest+1 {
		return fmt.Errorf("tick %d is not the successor of latest tick %d", tick, latest)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_ticks (conversation_id, tick, vote_watermark)
		VALUES (?, ?, ?)
	`, conversationID, tick, watermark)
	if err != nil {
		return fmt.Errorf("failed to insert tick: %w", err)
	}
	return tx.Commit()
}

// LatestTick returns the most recent tick and its watermark (0, 0 if none)
func (s *SQLiteStore) LatestTick(ctx context.Context, conversationID string) (int, int64, error) {
	var tick int
	var watermark int64
	err := s.db.QueryRowContext(ctx, `
		SELECT tick, vote_watermark FROM conversation_ticks
		WHERE conversation_id = ?
		ORDER BY tick DESC LIMIT 1
	`, conversationID).Scan(&tick, &watermark)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read latest tick: %w", err)
	}
	return tick, watermark, nil
}

// TickWatermark returns the vote watermark pinned by a specific tick
func (s *SQLiteStore) TickWatermark(ctx context.Context, conversationID string, tick int) (int64, error) {
	var watermark int64
	err := s.db.QueryRowContext(ctx, `
		SELECT vote_watermark FROM conversation_ticks
		WHERE conversation_id = ? AND tick = ?
	`, conversationID, tick).Scan(&watermark)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("tick %d not found for conversation %s", tick, conversationID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read tick watermark: %w", err)
	}
	return watermark, nil
}

// MarkTickComplete writes the per-tick completion marker. It is written only
// after projection, clusters, and representativeness have all been
// published; readers treat its absence as "partial publication".
func (s *SQLiteStore) MarkTickComplete(ctx context.Context, conversationID string, tick int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversation_ticks SET completed_at = ?
		WHERE conversation_id = ? AND tick = ? AND completed_at IS NULL
	`, time.Now().UTC(), conversationID, tick)
	if err != nil {
		return fmt.Errorf("failed to mark tick complete: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("tick %d for conversation %s missing or already complete", tick, conversationID)
	}
	return nil
}

// TickCompletedAt returns the completion marker timestamp, or nil while the
// tick's artifacts are still partially published.
func (s *SQLiteStore) TickCompletedAt(ctx context.Context, conversationID string, tick int) (*time.Time, error) {
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT completed_at FROM conversation_ticks
		WHERE conversation_id = ? AND tick = ?
	`, conversationID, tick).Scan(&completed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tick %d not found for conversation %s", tick, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tick completion: %w", err)
	}
	if !completed.Valid {
		return nil, nil
	}
	return &completed.Time, nil
}
