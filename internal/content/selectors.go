package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kbforge/internal/phase"
	"kbforge/internal/router"
	"kbforge/internal/sqlitex"
)

// GetPhaseSelector implements router.SelectorStore. Returns nil when no selector
// was persisted for p.
func (s *Store) GetPhaseSelector(ctx context.Context, p phase.Phase) (*router.Selector, error) {
	var (
		backend, model string
		params         sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT backend, model, params_json FROM phase_selectors WHERE phase = ?`, string(p),
	).Scan(&backend, &model, &params)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get selector: %w", err)
	}
	sel := &router.Selector{Backend: backend, Model: model}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &sel.Params); err != nil {
			return nil, fmt.Errorf("decode selector params: %w", err)
		}
	}
	return sel, nil
}

// SetPhaseSelector implements router.SelectorStore.
func (s *Store) SetPhaseSelector(ctx context.Context, p phase.Phase, sel router.Selector) error {
	var params any
	if len(sel.Params) > 0 {
		encoded, err := json.Marshal(sel.Params)
		if err != nil {
			return fmt.Errorf("encode selector params: %w", err)
		}
		params = string(encoded)
	}
	_, err := sqlitex.Exec(ctx, s.db,
		`INSERT INTO phase_selectors (phase, backend, model, params_json, updated_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(phase) DO UPDATE SET
             backend = excluded.backend,
             model = excluded.model,
             params_json = excluded.params_json,
             updated_at = excluded.updated_at`,
		string(p), sel.Backend, sel.Model, params, sqlitex.FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put selector: %w", err)
	}
	return nil
}

// DeleteSelector removes the persisted selector for p so resolution falls back.
func (s *Store) DeleteSelector(ctx context.Context, p phase.Phase) error {
	if _, err := sqlitex.Exec(ctx, s.db, `DELETE FROM phase_selectors WHERE phase = ?`, string(p)); err != nil {
		return fmt.Errorf("delete selector: %w", err)
	}
	return nil
}

// ListSelectors returns every persisted selector keyed by phase.
func (s *Store) ListSelectors(ctx context.Context) (map[phase.Phase]router.Selector, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phase, backend, model, params_json FROM phase_selectors ORDER BY phase`)
	if err != nil {
		return nil, fmt.Errorf("list selectors: %w", err)
	}
	defer rows.Close()
	out := map[phase.Phase]router.Selector{}
	for rows.Next() {
		var (
			name, backend, model string
			params               sql.NullString
		)
		if err := rows.Scan(&name, &backend, &model, &params); err != nil {
			return nil, fmt.Errorf("scan selector: %w", err)
		}
		sel := router.Selector{Backend: backend, Model: model}
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &sel.Params); err != nil {
				return nil, fmt.Errorf("decode selector params: %w", err)
			}
		}
		out[phase.Phase(name)] = sel
	}
	return out, rows.Err()
}
