package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
)

const messageColumnCount = 8

const upsertPrefix = `INSERT INTO messages
	(message_id, content, created_at, channel_id, guild_id, author_id, author_name, url)
VALUES `

// Every column is replaced on conflict. xmax is zero only for rows this
// statement inserted, which is how new items are told apart from overwrites.
const upsertSuffix = `
ON CONFLICT (message_id) DO UPDATE SET
	content = EXCLUDED.content,
	created_at = EXCLUDED.created_at,
	channel_id = EXCLUDED.channel_id,
	guild_id = EXCLUDED.guild_id,
	author_id = EXCLUDED.author_id,
	author_name = EXCLUDED.author_name,
	url = EXCLUDED.url,
	ingested_at = NOW()
RETURNING (xmax = 0) AS inserted`

// MessageRepository stores ingested messages.
type MessageRepository struct {
	db *sqlx.DB
}

// NewMessageRepository creates a repository over db.
func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// LatestCursor returns the newest stored message of a channel, or the
// beginning sentinel when the channel has none.
func (r *MessageRepository) LatestCursor(ctx context.Context, sourceID string) (domain.Cursor, error) {
	query := `
		SELECT message_id, created_at FROM messages
		WHERE channel_id = $1
		ORDER BY created_at DESC, length(message_id) DESC, message_id DESC
		LIMIT 1
	`

	var cursor domain.Cursor
	if err := r.db.GetContext(ctx, &cursor, query, sourceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Beginning(), nil
		}
		return domain.Cursor{}, fmt.Errorf("select latest message for %s: %w", sourceID, err)
	}
	return cursor, nil
}

// HasActivitySince reports whether any message was created at or after
// sinceMillis.
func (r *MessageRepository) HasActivitySince(ctx context.Context, sinceMillis int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM messages WHERE created_at >= $1)`
	if err := r.db.GetContext(ctx, &exists, query, sinceMillis); err != nil {
		return false, fmt.Errorf("check recent activity: %w", err)
	}
	return exists, nil
}

// UpsertBatch writes items in one statement keyed by message id and returns
// how many were not stored before. Duplicate ids within the batch collapse to
// the last occurrence.
func (r *MessageRepository) UpsertBatch(ctx context.Context, items []domain.Item) (int, error) {
	items = dedupeByID(items)
	if len(items) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(upsertPrefix)
	args := make([]any, 0, len(items)*messageColumnCount)
	for i, it := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * messageColumnCount
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args, it.ID, it.Content, it.CreatedAt, it.SourceID, it.GroupID, it.AuthorID, it.AuthorName, it.URL)
	}
	sb.WriteString(upsertSuffix)

	var inserted []bool
	if err := r.db.SelectContext(ctx, &inserted, sb.String(), args...); err != nil {
		return 0, fmt.Errorf("upsert %d messages: %w", len(items), err)
	}

	count := 0
	for _, ok := range inserted {
		if ok {
			count++
		}
	}
	return count, nil
}

// ChannelCounts returns the number of stored messages per channel of a guild.
func (r *MessageRepository) ChannelCounts(ctx context.Context, groupID string) (map[string]int64, error) {
	query := `SELECT channel_id, COUNT(*) AS message_count FROM messages WHERE guild_id = $1 GROUP BY channel_id`

	var rows []struct {
		ChannelID string `db:"channel_id"`
		Count     int64  `db:"message_count"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, groupID); err != nil {
		return nil, fmt.Errorf("count messages for guild %s: %w", groupID, err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.ChannelID] = row.Count
	}
	return counts, nil
}

// Ping checks the store is reachable.
func (r *MessageRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

func dedupeByID(items []domain.Item) []domain.Item {
	last := make(map[string]int, len(items))
	for i, it := range items {
		last[it.ID] = i
	}
	if len(last) == len(items) {
		return items
	}

	out := make([]domain.Item, 0, len(last))
	for i, it := range items {
		if last[it.ID] == i {
			out = append(out, it)
		}
	}
	return out
}
