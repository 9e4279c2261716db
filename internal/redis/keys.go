package redis

import "strings"

// DefaultPrefix is the key namespace read by the admin dashboard.
const DefaultPrefix = "discord_rag"

// Keys builds the Redis keys of one namespace.
type Keys struct {
	prefix string
}

// NewKeys returns the key builder for prefix, or DefaultPrefix when empty.
func NewKeys(prefix string) Keys {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{prefix: prefix}
}

func (k Keys) join(parts ...string) string {
	return k.prefix + ":" + strings.Join(parts, ":")
}

// IngestQueue is the list manual jobs are pushed to.
func (k Keys) IngestQueue() string { return k.join("ingest_queue") }

// Job is the status hash of one manual job.
func (k Keys) Job(jobID string) string { return k.join("job", jobID) }

// GuildStats is the counters hash of a guild.
func (k Keys) GuildStats(groupID string) string { return k.join("guild", groupID, "stats") }

// GuildChannelCounts holds new item counts per channel of a guild.
func (k Keys) GuildChannelCounts(groupID string) string {
	return k.join("guild", groupID, "channel_counts")
}

// GuildInfo is the cached name and member count of a guild.
func (k Keys) GuildInfo(groupID string) string { return k.join("guild", groupID, "info") }

// GuildChannels is the cached channel listing of a guild.
func (k Keys) GuildChannels(groupID string) string { return k.join("guild", groupID, "channels") }

// BotStatus is the heartbeat hash.
func (k Keys) BotStatus() string { return k.join("bot", "status") }

// Setting is one runtime override.
func (k Keys) Setting(name string) string { return k.join("settings", name) }
