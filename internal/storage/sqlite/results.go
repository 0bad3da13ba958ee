package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/prism-engine/prism/internal/cluster"
	"github.com/prism-engine/prism/internal/projection"
	"github.com/prism-engine/prism/internal/repness"
	"github.com/prism-engine/prism/internal/types"
)

// PublishProjection stores a projection result keyed by (conversation,
// tick, component_index). Publishing the same tick twice replaces the
// previous rows atomically; derived results for older ticks are untouched.
func (s *SQLiteStore) PublishProjection(ctx context.Context, res *projection.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"projection_components", "projection_coordinates", "projection_meta"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE conversation_id = ? AND tick = ?`,
			res.ConversationID, res.Tick); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for i, comp := range res.Components {
		vec, err := json.Marshal(comp)
		if err != nil {
			return fmt.Errorf("failed to marshal component %d: %w", i, err)
		}
		converged := 0
		if res.Converged[i] {
			converged = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projection_components (conversation_id, tick, component_index, vector, eigenvalue, converged)
			VALUES (?, ?, ?, ?, ?, ?)
		`, res.ConversationID, res.Tick, i, string(vec), res.Eigenvalues[i], converged)
		if err != nil {
			return fmt.Errorf("failed to insert component %d: %w", i, err)
		}
	}

	for pid, coords := range res.Coordinates {
		cj, err := json.Marshal(coords)
		if err != nil {
			return fmt.Errorf("failed to marshal coordinates for %s: %w", pid, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projection_coordinates (conversation_id, tick, participant_id, coords)
			VALUES (?, ?, ?, ?)
		`, res.ConversationID, res.Tick, pid, string(cj))
		if err != nil {
			return fmt.Errorf("failed to insert coordinates for %s: %w", pid, err)
		}
	}

	warnings, err := json.Marshal(res.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}
	insufficient := 0
	if res.InsufficientData {
		insufficient = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projection_meta (conversation_id, tick, insufficient_data, warnings)
		VALUES (?, ?, ?, ?)
	`, res.ConversationID, res.Tick, insufficient, string(warnings))
	if err != nil {
		return fmt.Errorf("failed to insert projection meta: %w", err)
	}

	return tx.Commit()
}

// GetProjection loads the published projection for (conversation, tick).
// Returns types.ErrNotFound if nothing was published.
func (s *SQLiteStore) GetProjection(ctx context.Context, conversationID string, tick int) (*projection.Result, error) {
	res := &projection.Result{
		ConversationID: conversationID,
		Tick:           tick,
		Coordinates:    make(map[string][]float64),
	}

	var insufficient int
	var warnings string
	err := s.db.QueryRowContext(ctx, `
		SELECT insufficient_data, warnings FROM projection_meta
		WHERE conversation_id = ? AND tick = ?
	`, conversationID, tick).Scan(&insufficient, &warnings)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read projection meta: %w", err)
	}
	res.InsufficientData = insufficient != 0
	if err := json.Unmarshal([]byte(warnings), &res.Warnings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT vector, eigenvalue, converged FROM projection_components
		WHERE conversation_id = ? AND tick = ?
		ORDER BY component_index ASC
	`, conversationID, tick)
	if err != nil {
		return nil, fmt.Errorf("failed to query components: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var vec string
		var eigen float64
		var converged int
		if err := rows.Scan(&vec, &eigen, &converged); err != nil {
			return nil, fmt.Errorf("failed to scan component: %w", err)
		}
		var comp []float64
		if err := json.Unmarshal([]byte(vec), &comp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal component: %w", err)
		}
		res.Components = append(res.Components, comp)
		res.Eigenvalues = append(res.Eigenvalues, eigen)
		res.Converged = append(res.Converged, converged != 0)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	coordRows, err := s.db.QueryContext(ctx, `
		SELECT participant_id, coords FROM projection_coordinates
		WHERE conversation_id = ? AND tick = ?
	`, conversationID, tick)
	if err != nil {
		return nil, fmt.Errorf("failed to query coordinates: %w", err)
	}
	defer coordRows.Close()
	for coordRows.Next() {
		var pid, cj string
		if err := coordRows.Scan(&pid, &cj); err != nil {
			return nil, fmt.Errorf("failed to scan coordinates: %w", err)
		}
		var coords []float64
		if err := json.Unmarshal([]byte(cj), &coords); err != nil {
			return nil, fmt.Errorf("failed to unmarshal coordinates: %w", err)
		}
		res.Coordinates[pid] = coords
	}
	return res, coordRows.Err()
}

// PublishClusters stores a cluster assignment keyed by (conversation, tick,
// group_id). The new assignment supersedes any prior rows for the tick.
func (s *SQLiteStore) PublishClusters(ctx context.Context, a *cluster.Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"cluster_groups", "cluster_meta"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE conversation_id = ? AND tick = ?`,
			a.ConversationID, a.Tick); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, g := range a.Groups {
		centroid, err := json.Marshal(g.Centroid)
		if err != nil {
			return fmt.Errorf("failed to marshal centroid: %w", err)
		}
		members, err := json.Marshal(g.MemberIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal members: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cluster_groups (conversation_id, tick, group_id, centroid, member_ids)
			VALUES (?, ?, ?, ?, ?)
		`, a.ConversationID, a.Tick, g.ID, string(centroid), string(members))
		if err != nil {
			return fmt.Errorf("failed to insert group %d: %w", g.ID, err)
		}
	}

	silhouettes, err := json.Marshal(a.Silhouettes)
	if err != nil {
		return fmt.Errorf("failed to marshal silhouettes: %w", err)
	}
	insufficient := 0
	if a.InsufficientData {
		insufficient = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cluster_meta (conversation_id, tick, k, insufficient_data, silhouettes)
		VALUES (?, ?, ?, ?, ?)
	`, a.ConversationID, a.Tick, a.K, insufficient, string(silhouettes))
	if err != nil {
		return fmt.Errorf("failed to insert cluster meta: %w", err)
	}

	return tx.Commit()
}

// GetClusters loads the published cluster assignment for (conversation, tick)
func (s *SQLiteStore) GetClusters(ctx context.Context, conversationID string, tick int) (*cluster.Assignment, error) {
	a := &cluster.Assignment{
		ConversationID: conversationID,
		Tick:           tick,
		Silhouettes:    make(map[int]float64),
	}

	var insufficient int
	var silhouettes string
	err := s.db.QueryRowContext(ctx, `
		SELECT k, insufficient_data, silhouettes FROM cluster_meta
		WHERE conversation_id = ? AND tick = ?
	`, conversationID, tick).Scan(&a.K, &insufficient, &silhouettes)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster meta: %w", err)
	}
	a.InsufficientData = insufficient != 0
	if err := json.Unmarshal([]byte(silhouettes), &a.Silhouettes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal silhouettes: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, centroid, member_ids FROM cluster_groups
		WHERE conversation_id = ? AND tick = ?
		ORDER BY group_id ASC
	`, conversationID, tick)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var g cluster.Group
		var centroid, members string
		if err := rows.Scan(&g.ID, &centroid, &members); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		if err := json.Unmarshal([]byte(centroid), &g.Centroid); err != nil {
			return nil, fmt.Errorf("failed to unmarshal centroid: %w", err)
		}
		if err := json.Unmarshal([]byte(members), &g.MemberIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal members: %w", err)
		}
		a.Groups = append(a.Groups, g)
	}
	return a, rows.Err()
}

// PublishRepness stores representativeness entries keyed by (conversation,
// tick, group_id, statement_id).
func (s *SQLiteStore) PublishRepness(ctx context.Context, res *repness.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"repness_entries", "repness_meta"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE conversation_id = ? AND tick = ?`,
			res.ConversationID, res.Tick); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for groupID, entries := range res.ByGroup {
		for _, e := range entries {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO repness_entries (
					conversation_id, tick, group_id, statement_id, direction, rank,
					score, agree_prob, disagree_prob, z_one, z_two, repness,
					group_votes, group_agrees, group_disagrees, rest_votes
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, res.ConversationID, res.Tick, groupID, e.StatementID, int(e.Direction), e.Rank,
				e.Score, e.AgreeProb, e.DisagreeProb, e.ZOne, e.ZTwo, e.Repness,
				e.GroupVotes, e.GroupAgrees, e.GroupDisagrees, e.RestVotes)
			if err != nil {
				return fmt.Errorf("failed to insert repness entry: %w", err)
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO repness_meta (conversation_id, tick, min_votes) VALUES (?, ?, ?)
	`, res.ConversationID, res.Tick, res.MinVotes)
	if err != nil {
		return fmt.Errorf("failed to insert repness meta: %w", err)
	}

	return tx.Commit()
}

// GetRepness loads the published representativeness result for
// (conversation, tick), entries ranked best-first per group.
func (s *SQLiteStore) GetRepness(ctx context.Context, conversationID string, tick int) (*repness.Result, error) {
	res := &repness.Result{
		ConversationID: conversationID,
		Tick:           tick,
		ByGroup:        make(map[int][]repness.Entry),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT min_votes FROM repness_meta WHERE conversation_id = ? AND tick = ?
	`, conversationID, tick).Scan(&res.MinVotes)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read repness meta: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, statement_id, direction, rank, score, agree_prob,
			disagree_prob, z_one, z_two, repness, group_votes, group_agrees,
			group_disagrees, rest_votes
		FROM repness_entries
		WHERE conversation_id = ? AND tick = ?
		ORDER BY group_id ASC, rank ASC
	`, conversationID, tick)
	if err != nil {
		return nil, fmt.Errorf("failed to query repness entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e := repness.Entry{ConversationID: conversationID, Tick: tick}
		var direction int
		if err := rows.Scan(&e.GroupID, &e.StatementID, &direction, &e.Rank, &e.Score,
			&e.AgreeProb, &e.DisagreeProb, &e.ZOne, &e.ZTwo, &e.Repness,
			&e.GroupVotes, &e.GroupAgrees, &e.GroupDisagrees, &e.RestVotes); err != nil {
			return nil, fmt.Errorf("failed to scan repness entry: %w", err)
		}
		e.Direction = types.Polarity(direction)
		res.ByGroup[e.GroupID] = append(res.ByGroup[e.GroupID], e)
	}
	return res, rows.Err()
}

// SaveReport stores the narrative report for one opinion group
func (s *SQLiteStore) SaveReport(ctx context.Context, conversationID string, tick, groupID int, narrative string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (conversation_id, tick, group_id, narrative)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, tick, group_id) DO UPDATE SET narrative = excluded.narrative
	`, conversationID, tick, groupID, narrative)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// GetReports returns group narratives for (conversation, tick)
func (s *SQLiteStore) GetReports(ctx context.Context, conversationID string, tick int) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, narrative FROM reports
		WHERE conversation_id = ? AND tick = ?
	`, conversationID, tick)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	reports := make(map[int]string)
	for rows.Next() {
		var groupID int
		var narrative string
		if err := rows.Scan(&groupID, &narrative); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports[groupID] = narrative
	}
	return reports, rows.Err()
}
