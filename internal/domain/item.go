package domain

import (
	"fmt"
	"time"
)

// CanonicalURLBase is the prefix of every message permalink.
const CanonicalURLBase = "https://discord.com/channels"

// Source is a channel to ingest. GroupID is optional; when empty the owning
// guild is resolved through the source client.
type Source struct {
	ID      string `json:"id"       yaml:"id"`
	GroupID string `json:"group_id" yaml:"group_id"`
}

// Item is a stored message. ID is the upsert key.
type Item struct {
	ID         string `db:"message_id"  json:"message_id"`
	Content    string `db:"content"     json:"content"`
	CreatedAt  int64  `db:"created_at"  json:"created_at"` // unix milliseconds
	SourceID   string `db:"channel_id"  json:"channel_id"`
	GroupID    string `db:"guild_id"    json:"guild_id"`
	AuthorID   string `db:"author_id"   json:"author_id"`
	AuthorName string `db:"author_name" json:"author_name"`
	URL        string `db:"url"         json:"url"`
}

// RawItem is a message as returned by the source client, before mapping.
type RawItem struct {
	ID                string
	Content           string
	CreatedAt         time.Time
	SourceID          string
	GroupID           string
	AuthorID          string
	AuthorUsername    string
	AuthorDisplayName string
}

// Page is one fetch result. Exhausted is set when the client knows there is
// nothing after this page; otherwise callers fall back to the short page rule.
type Page struct {
	Items     []RawItem
	Exhausted bool
}

// ToItem maps a raw message to its stored shape. The display name falls back
// to the username, and the source's configured group wins over the raw one.
func (r RawItem) ToItem(src Source) Item {
	groupID := src.GroupID
	if groupID == "" {
		groupID = r.GroupID
	}
	sourceID := r.SourceID
	if sourceID == "" {
		sourceID = src.ID
	}
	name := r.AuthorDisplayName
	if name == "" {
		name = r.AuthorUsername
	}

	return Item{
		ID:         r.ID,
		Content:    r.Content,
		CreatedAt:  r.CreatedAt.UnixMilli(),
		SourceID:   sourceID,
		GroupID:    groupID,
		AuthorID:   r.AuthorID,
		AuthorName: name,
		URL:        CanonicalURL(groupID, sourceID, r.ID),
	}
}

// CanonicalURL builds the permalink of a message.
func CanonicalURL(groupID, sourceID, itemID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", CanonicalURLBase, groupID, sourceID, itemID)
}

// BeginningItemID is the cursor sentinel for a source with nothing stored.
const BeginningItemID = "0"

// Cursor is the resume point of a source: the newest stored item.
type Cursor struct {
	ItemID    string `db:"message_id"`
	CreatedAt int64  `db:"created_at"`
}

// Beginning returns the cursor used when a source has no stored items.
func Beginning() Cursor {
	return Cursor{ItemID: BeginningItemID}
}

// IsBeginning reports whether c is the sentinel cursor.
func (c Cursor) IsBeginning() bool {
	return c.ItemID == "" || c.ItemID == BeginningItemID
}

// Advance returns the later of c and the newest item in items, by created_at
// and then by id.
func (c Cursor) Advance(items []RawItem) Cursor {
	next := c
	for _, it := range items {
		ms := it.CreatedAt.UnixMilli()
		if next.IsBeginning() || ms > next.CreatedAt || (ms == next.CreatedAt && snowflakeLess(next.ItemID, it.ID)) {
			next = Cursor{ItemID: it.ID, CreatedAt: ms}
		}
	}
	return next
}

// snowflakeLess compares numeric ids of arbitrary length without parsing.
func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
