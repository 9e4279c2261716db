// Package discord adapts the Discord REST API to the ingestion components:
// paged message fetches after a cursor, the bot's own identity, channel to
// guild resolution and guild metadata for presence reporting.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/retry"
)

const (
	// MaxPageSize is the largest page the messages endpoint returns.
	MaxPageSize = 100

	defaultRequestTimeout = 30 * time.Second
	selfUserID            = "@me"
)

// restAPI is the subset of *discordgo.Session the adapter calls.
type restAPI interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildWithCounts(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

// Identity is the bot account the service runs as.
type Identity struct {
	ID       string
	Username string
}

// GuildInfo is the presence metadata of a guild.
type GuildInfo struct {
	ID          string
	Name        string
	MemberCount int
}

// ChannelInfo is one text channel of a guild.
type ChannelInfo struct {
	ID   string
	Name string
}

// Client is the Discord source client. It is safe for concurrent use.
type Client struct {
	api     restAPI
	log     logger.Logger
	retry   retry.Config
	limiter *rate.Limiter

	mu     sync.RWMutex
	self   *Identity
	groups map[string]string
}

// New creates a REST-only session for the bot token. No gateway connection is
// opened.
func New(token string, log logger.Logger) (*Client, error) {
	if token == "" {
		return nil, errors.New("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Client = &http.Client{Timeout: defaultRequestTimeout}

	return NewWithAPI(session, log), nil
}

// NewWithAPI wraps an existing REST implementation.
func NewWithAPI(api restAPI, log logger.Logger) *Client {
	cfg := retry.DefaultConfig()
	cfg.IsRetryable = IsTransient

	return &Client{
		api:    api,
		log:    log,
		retry:  cfg,
		groups: make(map[string]string),
	}
}

// WithRetry replaces the retry policy for message fetches.
func (c *Client) WithRetry(cfg retry.Config) *Client {
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = IsTransient
	}
	c.retry = cfg
	return c
}

// WithRateLimit paces message fetches to rps requests per second across all
// channels. A non-positive rps removes the limit.
func (c *Client) WithRateLimit(rps float64) *Client {
	if rps <= 0 {
		c.limiter = nil
		return c
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	return c
}

// FetchPage returns up to limit messages of the source created after the
// cursor, oldest first. Transient failures are retried within the call.
func (c *Client) FetchPage(ctx context.Context, src domain.Source, after domain.Cursor, limit int) (domain.Page, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	afterID := after.ItemID
	if afterID == "" {
		afterID = domain.BeginningItemID
	}

	var msgs []*discordgo.Message
	err := retry.Do(ctx, c.retry, func() error {
		if c.limiter != nil {
			if waitErr := c.limiter.Wait(ctx); waitErr != nil {
				return fmt.Errorf("rate limit wait: %w", waitErr)
			}
		}
		var fetchErr error
		msgs, fetchErr = c.api.ChannelMessages(src.ID, limit, "", afterID, "", discordgo.WithContext(ctx))
		return fetchErr
	})
	if err != nil {
		return domain.Page{}, fmt.Errorf("fetch messages of %s after %s: %w", src.ID, afterID, err)
	}

	fetched := len(msgs)
	msgs = slices.DeleteFunc(msgs, func(m *discordgo.Message) bool { return m == nil })

	// The API returns newest first.
	sort.Slice(msgs, func(i, j int) bool {
		return snowflakeLess(msgs[i].ID, msgs[j].ID)
	})

	groupID := src.GroupID
	items := make([]domain.RawItem, 0, len(msgs))
	for _, m := range msgs {
		if groupID == "" && m.GuildID == "" {
			if resolved, gErr := c.GroupOf(ctx, src.ID); gErr == nil {
				groupID = resolved
			} else {
				c.log.Warn("Could not resolve guild for channel", logger.SourceID(src.ID), logger.Error(gErr))
			}
		}
		items = append(items, toRawItem(m, src.ID, groupID))
	}

	return domain.Page{Items: items, Exhausted: fetched == 0}, nil
}

func toRawItem(m *discordgo.Message, sourceID, groupID string) domain.RawItem {
	raw := domain.RawItem{
		ID:        m.ID,
		Content:   m.Content,
		CreatedAt: m.Timestamp,
		SourceID:  m.ChannelID,
		GroupID:   m.GuildID,
	}
	if raw.SourceID == "" {
		raw.SourceID = sourceID
	}
	if raw.GroupID == "" {
		raw.GroupID = groupID
	}
	if raw.CreatedAt.IsZero() {
		if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
			raw.CreatedAt = ts
		}
	}
	if m.Author != nil {
		raw.AuthorID = m.Author.ID
		raw.AuthorUsername = m.Author.Username
		raw.AuthorDisplayName = m.Author.GlobalName
	}
	return raw
}

// SelfID returns the bot's user id, fetched once.
func (c *Client) SelfID(ctx context.Context) (string, error) {
	self, err := c.Self(ctx)
	if err != nil {
		return "", err
	}
	return self.ID, nil
}

// Self returns the bot identity, fetched once.
func (c *Client) Self(ctx context.Context) (Identity, error) {
	c.mu.RLock()
	cached := c.self
	c.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}

	u, err := c.api.User(selfUserID, discordgo.WithContext(ctx))
	if err != nil {
		return Identity{}, fmt.Errorf("fetch bot user: %w", err)
	}

	id := Identity{ID: u.ID, Username: u.Username}
	c.mu.Lock()
	c.self = &id
	c.mu.Unlock()
	return id, nil
}

// GroupOf returns the guild owning a channel. Results are cached for the
// life of the client since a channel never moves between guilds.
func (c *Client) GroupOf(ctx context.Context, sourceID string) (string, error) {
	c.mu.RLock()
	groupID, ok := c.groups[sourceID]
	c.mu.RUnlock()
	if ok {
		return groupID, nil
	}

	ch, err := c.api.Channel(sourceID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetch channel %s: %w", sourceID, err)
	}
	if ch.GuildID == "" {
		return "", fmt.Errorf("channel %s has no guild", sourceID)
	}

	c.mu.Lock()
	c.groups[sourceID] = ch.GuildID
	c.mu.Unlock()
	return ch.GuildID, nil
}

// Guild returns the name and approximate member count of a guild.
func (c *Client) Guild(ctx context.Context, groupID string) (GuildInfo, error) {
	g, err := c.api.GuildWithCounts(groupID, discordgo.WithContext(ctx))
	if err != nil {
		return GuildInfo{}, fmt.Errorf("fetch guild %s: %w", groupID, err)
	}

	count := g.ApproximateMemberCount
	if count == 0 {
		count = g.MemberCount
	}
	return GuildInfo{ID: g.ID, Name: g.Name, MemberCount: count}, nil
}

// Channels lists the text channels of a guild.
func (c *Client) Channels(ctx context.Context, groupID string) ([]ChannelInfo, error) {
	chans, err := c.api.GuildChannels(groupID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list channels of guild %s: %w", groupID, err)
	}

	out := make([]ChannelInfo, 0, len(chans))
	for _, ch := range chans {
		if ch == nil || ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		out = append(out, ChannelInfo{ID: ch.ID, Name: ch.Name})
	}
	return out, nil
}

// IsTransient reports whether a REST error is worth retrying: server errors
// and network failures. Client errors such as missing access are permanent.
func IsTransient(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode >= http.StatusInternalServerError
	}
	return retry.DefaultIsRetryable(err)
}

func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
