package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"kbforge/internal/phase"
	"kbforge/internal/services"
	"kbforge/internal/sqlitex"
)

// Create inserts a new item unless one with the same source id exists. The
// returned bool is true when a row was inserted.
func (s *Store) Create(ctx context.Context, in NewItem) (*Item, bool, error) {
	sourceID := strings.TrimSpace(in.SourceID)
	if sourceID == "" {
		sourceID = strings.TrimSpace(in.URL)
	}
	if sourceID == "" {
		return nil, false, services.Wrap(services.ErrValidation, "content", "create", "source id or url required", nil)
	}
	timestamp := sqlitex.FormatTime(time.Now())
	res, err := sqlitex.Exec(
		ctx,
		s.db,
		`INSERT INTO content_items (
            id, source_id, source, source_url, source_payload, title, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(source_id) DO NOTHING`,
		uuid.NewString(),
		sourceID,
		sqlitex.NullableString(in.Source),
		sqlitex.NullableString(strings.TrimSpace(in.URL)),
		sqlitex.NullableString(in.Payload),
		sqlitex.NullableString(in.Title),
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert item: %w", err)
	}
	inserted, _ := res.RowsAffected()
	item, err := s.GetBySourceID(ctx, sourceID)
	if err != nil {
		return nil, false, err
	}
	if item == nil {
		return nil, false, fmt.Errorf("item %s vanished after insert", sourceID)
	}
	return item, inserted == 1, nil
}

// Get fetches an item by id. A missing item returns nil, nil.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// MustGet is Get with a NotFound error instead of a nil item.
func (s *Store) MustGet(ctx context.Context, id string) (*Item, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("item %s: %w", id, services.ErrNotFound)
	}
	return item, nil
}

// GetBySourceID fetches an item by its upstream identifier.
func (s *Store) GetBySourceID(ctx context.Context, sourceID string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE source_id = ?`, sourceID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item by source: %w", err)
	}
	return item, nil
}

// List returns items ordered by creation time.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Item, error) {
	query := s.sb.Select(itemColumnList...).From("content_items").OrderBy("created_at", "id")
	if filter.Category != "" {
		query = query.Where(sq.Eq{"category": filter.Category})
	}
	if filter.Pending != "" {
		col := phase.Column(filter.Pending)
		if col == "" {
			return nil, services.Wrap(services.ErrValidation, "content", "list", fmt.Sprintf("unknown phase %q", filter.Pending), nil)
		}
		query = query.Where(sq.Eq{col: 0})
	}
	if filter.Limit > 0 {
		query = query.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		query = query.Offset(uint64(filter.Offset))
	}
	return s.queryItems(ctx, query)
}

// RelatedByCategory returns up to limit other items in the same category that
// already have knowledge-base text.
func (s *Store) RelatedByCategory(ctx context.Context, category, excludeID string, limit int) ([]*Item, error) {
	if category == "" {
		return nil, nil
	}
	query := s.sb.Select(itemColumnList...).
		From("content_items").
		Where(sq.Eq{"category": category, "kb_generated": 1}).
		Where(sq.NotEq{"id": excludeID}).
		OrderBy("updated_at DESC")
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}
	return s.queryItems(ctx, query)
}

// Categories lists the categories in use with their item counts, most used
// first.
func (s *Store) Categories(ctx context.Context) ([]CategoryCount, error) {
	sqlText, args, err := s.sb.Select("category", "COUNT(1) AS n").
		From("content_items").
		Where(sq.And{sq.NotEq{"category": nil}, sq.NotEq{"category": ""}}).
		GroupBy("category").
		OrderBy("n DESC", "category").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build categories query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()
	var out []CategoryCount
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.Category, &c.Items); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Embeddings returns the stored chunks for an item in index order.
func (s *Store) Embeddings(ctx context.Context, itemID string) ([]EmbeddingChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index, chunk_text, model, vector_json FROM item_embeddings WHERE item_id = ? ORDER BY chunk_index`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()
	var out []EmbeddingChunk
	for rows.Next() {
		var (
			chunk  EmbeddingChunk
			vector string
		)
		if err := rows.Scan(&chunk.Index, &chunk.Text, &chunk.Model, &vector); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		if err := json.Unmarshal([]byte(vector), &chunk.Vector); err != nil {
			return nil, fmt.Errorf("decode embedding vector: %w", err)
		}
		out = append(out, chunk)
	}
	return out, rows.Err()
}

// Counts reports the number of items that completed each phase.
func (s *Store) Counts(ctx context.Context) (PhaseCounts, error) {
	phases := phase.All()
	cols := make([]string, 0, len(phases)+1)
	cols = append(cols, "COUNT(1)")
	for _, p := range phases {
		cols = append(cols, fmt.Sprintf("COALESCE(SUM(%s), 0)", phase.Column(p)))
	}
	sqlText, args, err := s.sb.Select(cols...).From("content_items").ToSql()
	if err != nil {
		return PhaseCounts{}, fmt.Errorf("build counts query: %w", err)
	}
	values := make([]int, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := s.db.QueryRowContext(ctx, sqlText, args...).Scan(dest...); err != nil {
		return PhaseCounts{}, fmt.Errorf("count items: %w", err)
	}
	counts := PhaseCounts{Total: values[0], Completed: make(map[phase.Phase]int, len(phases))}
	for i, p := range phases {
		counts.Completed[p] = values[i+1]
	}
	return counts, nil
}

// Delete removes an item and its embeddings. Returns false when nothing matched.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := sqlitex.Exec(ctx, s.db, `DELETE FROM content_items WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) queryItems(ctx context.Context, query sq.SelectBuilder) ([]*Item, error) {
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build item query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
