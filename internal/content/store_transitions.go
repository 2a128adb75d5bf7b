package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"kbforge/internal/phase"
	"kbforge/internal/services"
	"kbforge/internal/sqlitex"
)

// CompletePhase sets p's flag and writes the phase's artifacts in one
// conditional UPDATE. The update only applies while the phase is still
// eligible (flag unset or reprocess requested) and its prerequisites hold.
//
// Returns applied=false with a nil error when another worker already
// committed the phase; callers treat that as success without side effects.
func (s *Store) CompletePhase(ctx context.Context, id string, p phase.Phase, art Artifacts) (bool, error) {
	flagCol := phase.Column(p)
	if flagCol == "" {
		return false, services.Wrap(services.ErrValidation, "content", "complete phase", fmt.Sprintf("unknown phase %q", p), nil)
	}
	cols, err := artifactColumns(p, art)
	if err != nil {
		return false, services.Wrap(services.ErrValidation, "content", "complete phase", "encode artifacts", err)
	}
	mark := reprocessMark(p)
	errorPath := "$." + string(p)

	update := s.sb.Update("content_items").
		SetMap(cols).
		Set(flagCol, 1).
		Set("reprocess_requested_at", sq.Expr("CASE WHEN replace(reprocess_phases, ?, ',') = ',' THEN NULL ELSE reprocess_requested_at END", mark)).
		Set("reprocess_phases", sq.Expr("replace(reprocess_phases, ?, ',')", mark)).
		Set("last_errors_json", sq.Expr("json_remove(COALESCE(last_errors_json, '{}'), ?)", errorPath)).
		Set("retry_count", 0).
		Set("revision", sq.Expr("revision + 1")).
		Set("updated_at", sqlitex.FormatTime(time.Now())).
		Where(sq.Eq{"id": id}).
		Where(sq.Or{sq.Eq{flagCol: 0}, sq.Expr("instr(reprocess_phases, ?) > 0", mark)})
	for _, dep := range phase.Prerequisites(p) {
		update = update.Where(sq.Eq{phase.Column(dep): 1})
	}
	sqlText, args, err := update.ToSql()
	if err != nil {
		return false, fmt.Errorf("build commit: %w", err)
	}

	var applied bool
	err = sqlitex.InTx(ctx, s.db, func(tx *sql.Tx) error {
		applied = false
		res, err := tx.ExecContext(ctx, sqlText, args...)
		if err != nil {
			return fmt.Errorf("commit phase: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return s.explainSkippedCommit(ctx, tx, id, p)
		}
		applied = true
		if p == phase.Embedding {
			return replaceEmbeddings(ctx, tx, id, art.Embeddings)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// explainSkippedCommit turns a zero-row commit into either a no-op (already
// done) or the error that describes why the row did not match.
func (s *Store) explainSkippedCommit(ctx context.Context, tx *sql.Tx, id string, p phase.Phase) error {
	item, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("item %s: %w", id, services.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reload item: %w", err)
	}
	state := item.PhaseState()
	if phase.AlreadyDone(state, p) {
		return nil
	}
	if !phase.PreconditionMet(state, p) {
		return services.Wrap(services.ErrPrecondition, "content", "complete phase",
			fmt.Sprintf("item %s is missing prerequisites for %s", id, p), nil)
	}
	return fmt.Errorf("commit of %s for item %s matched no rows", p, id)
}

func replaceEmbeddings(ctx context.Context, tx *sql.Tx, itemID string, chunks []EmbeddingChunk) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM item_embeddings WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("clear embeddings: %w", err)
	}
	for _, chunk := range chunks {
		vector, err := json.Marshal(chunk.Vector)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO item_embeddings (item_id, chunk_index, chunk_text, model, vector_json) VALUES (?, ?, ?, ?, ?)`,
			itemID, chunk.Index, chunk.Text, chunk.Model, string(vector),
		); err != nil {
			return fmt.Errorf("insert embedding %d: %w", chunk.Index, err)
		}
	}
	return nil
}

// RecordPhaseError stores the latest failure message for p. Flags are never
// touched.
func (s *Store) RecordPhaseError(ctx context.Context, id string, p phase.Phase, message string) error {
	if !p.Valid() {
		return services.Wrap(services.ErrValidation, "content", "record error", fmt.Sprintf("unknown phase %q", p), nil)
	}
	_, err := sqlitex.Exec(ctx, s.db,
		`UPDATE content_items
         SET last_errors_json = json_set(COALESCE(last_errors_json, '{}'), ?, ?),
             retry_count = retry_count + 1,
             updated_at = ?
         WHERE id = ?`,
		"$."+string(p), message, sqlitex.FormatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("record phase error: %w", err)
	}
	return nil
}

// RequestReprocess marks p for a forced re-run. Downstream phases are left
// alone; use ResetPipeline for a full re-entry.
func (s *Store) RequestReprocess(ctx context.Context, id string, p phase.Phase) (*Item, error) {
	if !p.Valid() {
		return nil, services.Wrap(services.ErrValidation, "content", "reprocess", fmt.Sprintf("unknown phase %q", p), nil)
	}
	item, err := s.MustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	now := sqlitex.FormatTime(time.Now())
	errorPath := "$." + string(p)
	if !item.Flags.Done(p) {
		// Never completed, so it is already eligible once prerequisites hold.
		// Clearing the recorded failure lets the scheduler pick it up again.
		if _, ok := item.LastErrors[string(p)]; !ok {
			return item, nil
		}
		if _, err := sqlitex.Exec(ctx, s.db,
			`UPDATE content_items
             SET last_errors_json = json_remove(COALESCE(last_errors_json, '{}'), ?),
                 updated_at = ?
             WHERE id = ?`,
			errorPath, now, id,
		); err != nil {
			return nil, fmt.Errorf("clear phase error: %w", err)
		}
		return s.MustGet(ctx, id)
	}
	if _, err := sqlitex.Exec(ctx, s.db,
		`UPDATE content_items
         SET reprocess_phases = CASE WHEN instr(reprocess_phases, ?) = 0 THEN reprocess_phases || ? ELSE reprocess_phases END,
             reprocess_requested_at = COALESCE(reprocess_requested_at, ?),
             last_errors_json = json_remove(COALESCE(last_errors_json, '{}'), ?),
             updated_at = ?
         WHERE id = ?`,
		reprocessMark(p), string(p)+",", now, errorPath, now, id,
	); err != nil {
		return nil, fmt.Errorf("request reprocess: %w", err)
	}
	return s.MustGet(ctx, id)
}

// ResetPipeline clears from and every downstream flag so the item re-enters
// the pipeline at from. Artifacts are kept until the phases commit again.
func (s *Store) ResetPipeline(ctx context.Context, id string, from phase.Phase) (*Item, error) {
	if !from.Valid() {
		return nil, services.Wrap(services.ErrValidation, "content", "reset", fmt.Sprintf("unknown phase %q", from), nil)
	}
	err := sqlitex.InTx(ctx, s.db, func(tx *sql.Tx) error {
		item, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("item %s: %w", id, services.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load item: %w", err)
		}
		flags := phase.Reset(item.Flags, from)
		var remaining []phase.Phase
		for _, r := range item.Reprocess {
			if flags.Done(r) {
				remaining = append(remaining, r)
			}
		}
		delete(item.LastErrors, string(from))
		for _, p := range phase.Downstream(from) {
			delete(item.LastErrors, string(p))
		}
		lastErrors, err := encodeLastErrors(item.LastErrors)
		if err != nil {
			return err
		}
		update := s.sb.Update("content_items").
			Set("reprocess_phases", encodeReprocess(remaining)).
			Set("last_errors_json", lastErrors).
			Set("revision", sq.Expr("revision + 1")).
			Set("updated_at", sqlitex.FormatTime(time.Now())).
			Where(sq.Eq{"id": id})
		if len(remaining) == 0 {
			update = update.Set("reprocess_requested_at", nil)
		}
		for _, p := range phase.All() {
			update = update.Set(phase.Column(p), sqlitex.BoolToInt(flags.Done(p)))
		}
		sqlText, args, err := update.ToSql()
		if err != nil {
			return fmt.Errorf("build reset: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlText, args...); err != nil {
			return fmt.Errorf("reset flags: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.MustGet(ctx, id)
}

// QueryEligible returns up to limit items eligible for p, oldest first. Items
// with a recorded error for p are left out until reprocessing clears it, so a
// run of failed items never fills the batch. SQL narrows candidates on flags;
// phase.FilterEligible makes the final call.
func (s *Store) QueryEligible(ctx context.Context, p phase.Phase, limit int) ([]*Item, error) {
	flagCol := phase.Column(p)
	if flagCol == "" {
		return nil, services.Wrap(services.ErrValidation, "content", "query eligible", fmt.Sprintf("unknown phase %q", p), nil)
	}
	query := s.sb.Select(itemColumnList...).
		From("content_items").
		Where(sq.Or{sq.Eq{flagCol: 0}, sq.Expr("instr(reprocess_phases, ?) > 0", reprocessMark(p))}).
		Where(sq.Expr("json_extract(COALESCE(last_errors_json, '{}'), ?) IS NULL", "$."+string(p))).
		OrderBy("created_at", "id")
	for _, dep := range phase.Prerequisites(p) {
		query = query.Where(sq.Eq{phase.Column(dep): 1})
	}
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}
	items, err := s.queryItems(ctx, query)
	if err != nil {
		return nil, err
	}
	return phase.FilterEligible(items, p), nil
}
