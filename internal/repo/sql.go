package repo

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

const messageColumns = `id, media_group_id, caption, analyzed_content,
	is_original_caption, group_caption_synced, processing_state,
	processing_started_at, processing_completed_at, last_error_at,
	error_message, retry_count, created_at, updated_at`

// sqlBuilder accumulates positional arguments for one statement.
type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *sqlBuilder) where(f Filter) (string, error) {
	var conds []string

	if len(f.IDs) > 0 {
		ids := make([]pgtype.UUID, 0, len(f.IDs))
		for _, id := range f.IDs {
			u, err := toUUID(id)
			if err != nil {
				return "", err
			}
			ids = append(ids, u)
		}
		conds = append(conds, "id = ANY("+b.arg(ids)+")")
	}
	if f.MediaGroupID != "" {
		conds = append(conds, "media_group_id = "+b.arg(f.MediaGroupID))
	}
	if f.HasGroup {
		conds = append(conds, "media_group_id IS NOT NULL")
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, s := range f.States {
			states[i] = string(s)
		}
		conds = append(conds, "processing_state = ANY("+b.arg(states)+")")
	}
	if f.UpdatedSince != nil {
		conds = append(conds, "updated_at >= "+b.arg(*f.UpdatedSince))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), nil
}

func (b *sqlBuilder) set(p Patch) (string, error) {
	var sets []string

	if p.AnalyzedContent != nil {
		raw, err := json.Marshal(p.AnalyzedContent)
		if err != nil {
			return "", fmt.Errorf("encode analyzed_content: %w", err)
		}
		sets = append(sets, "analyzed_content = "+b.arg(raw))
	}
	if p.IsOriginalCaption != nil {
		sets = append(sets, "is_original_caption = "+b.arg(*p.IsOriginalCaption))
	}
	if p.GroupCaptionSynced != nil {
		sets = append(sets, "group_caption_synced = "+b.arg(*p.GroupCaptionSynced))
	}
	if p.ProcessingState != nil {
		sets = append(sets, "processing_state = "+b.arg(string(*p.ProcessingState)))
	}
	if p.ProcessingStartedAt != nil {
		sets = append(sets, "processing_started_at = "+b.arg(*p.ProcessingStartedAt))
	}
	if p.ProcessingCompletedAt != nil {
		sets = append(sets, "processing_completed_at = "+b.arg(*p.ProcessingCompletedAt))
	}
	if p.LastErrorAt != nil {
		sets = append(sets, "last_error_at = "+b.arg(*p.LastErrorAt))
	}
	if p.ErrorMessage != nil {
		sets = append(sets, "error_message = "+b.arg(*p.ErrorMessage))
	} else if p.ClearError {
		sets = append(sets, "error_message = NULL")
	}
	if p.RetryCount != nil {
		sets = append(sets, "retry_count = "+b.arg(*p.RetryCount))
	}

	if len(sets) == 0 {
		return "", errEmptyPatch
	}
	sets = append(sets, "updated_at = now()")
	return " SET " + strings.Join(sets, ", "), nil
}

func buildSelect(f Filter) (string, []any, error) {
	var b sqlBuilder
	where, err := b.where(f)
	if err != nil {
		return "", nil, err
	}

	q := "SELECT " + messageColumns + " FROM messages" + where + " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT " + b.arg(f.Limit)
	}
	if f.Offset > 0 {
		q += " OFFSET " + b.arg(f.Offset)
	}
	return q, b.args, nil
}

func buildUpdate(f Filter, p Patch) (string, []any, error) {
	var b sqlBuilder
	set, err := b.set(p)
	if err != nil {
		return "", nil, err
	}
	where, err := b.where(f)
	if err != nil {
		return "", nil, err
	}
	if where == "" {
		return "", nil, errUnboundedUpdate
	}
	return "UPDATE messages" + set + where, b.args, nil
}

func buildUpdateOne(id string, p Patch) (string, []any, error) {
	var b sqlBuilder
	set, err := b.set(p)
	if err != nil {
		return "", nil, err
	}
	u, err := toUUID(id)
	if err != nil {
		return "", nil, err
	}
	return "UPDATE messages" + set + " WHERE id = " + b.arg(u) + " RETURNING " + messageColumns, b.args, nil
}

func toUUID(id string) (pgtype.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("invalid message id %q: %w", id, err)
	}
	return pgtype.UUID{Bytes: u, Valid: true}, nil
}

func fromUUID(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}
