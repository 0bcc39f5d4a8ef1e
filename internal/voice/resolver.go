package voice

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// NameResolver turns Discord ids into display names for logs and status.
// Lookups never fail; an unknown id resolves to "".
type NameResolver interface {
	UserName(userID string) string
	GuildName(guildID string) string
	ChannelName(channelID string) string
}

// NoopResolver resolves nothing. Used in tests and when REST lookups are
// unwanted.
type NoopResolver struct{}

func NewNoopResolver() *NoopResolver { return &NoopResolver{} }

func (*NoopResolver) UserName(string) string    { return "" }
func (*NoopResolver) GuildName(string) string   { return "" }
func (*NoopResolver) ChannelName(string) string { return "" }

// cacheTTL controls how long a resolved name is reused.
var cacheTTL = 5 * time.Minute

type cacheEntry struct {
	val    string
	expiry time.Time
}

type nameCache struct {
	mu sync.Mutex
	m  map[string]cacheEntry
}

func (c *nameCache) get(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[id]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiry) {
		delete(c.m, id)
		return "", false
	}
	return e.val, true
}

func (c *nameCache) put(id, val string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[id] = cacheEntry{val: val, expiry: time.Now().Add(cacheTTL)}
}

// lookup returns the cached value for id or calls fetch in order until one
// yields a name.
func (c *nameCache) lookup(id string, fetch ...func(string) string) string {
	if id == "" {
		return ""
	}
	if v, ok := c.get(id); ok {
		return v
	}
	for _, f := range fetch {
		if v := f(id); v != "" {
			c.put(id, v)
			return v
		}
	}
	return ""
}

type discordResolver struct {
	s        *discordgo.Session
	guildID  string
	users    nameCache
	guilds   nameCache
	channels nameCache
}

// NewDiscordResolver resolves names through session state first and REST
// second. guildID, when set, lets user lookups prefer guild nicknames.
func NewDiscordResolver(s *discordgo.Session, guildID string) NameResolver {
	return &discordResolver{
		s:        s,
		guildID:  guildID,
		users:    nameCache{m: make(map[string]cacheEntry)},
		guilds:   nameCache{m: make(map[string]cacheEntry)},
		channels: nameCache{m: make(map[string]cacheEntry)},
	}
}

func (d *discordResolver) UserName(userID string) string {
	if d.s == nil {
		return ""
	}
	return d.users.lookup(userID, d.memberNick, func(id string) string {
		if u, err := d.s.User(id); err == nil && u != nil {
			return u.Username
		}
		return ""
	})
}

func (d *discordResolver) memberNick(userID string) string {
	if d.guildID == "" || d.s.State == nil {
		return ""
	}
	m, err := d.s.State.Member(d.guildID, userID)
	if err != nil || m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User != nil {
		return m.User.Username
	}
	return ""
}

func (d *discordResolver) GuildName(guildID string) string {
	if d.s == nil {
		return ""
	}
	return d.guilds.lookup(guildID, func(id string) string {
		if d.s.State != nil {
			if g, err := d.s.State.Guild(id); err == nil && g != nil {
				return g.Name
			}
		}
		return ""
	}, func(id string) string {
		if g, err := d.s.Guild(id); err == nil && g != nil {
			return g.Name
		}
		return ""
	})
}

func (d *discordResolver) ChannelName(channelID string) string {
	if d.s == nil {
		return ""
	}
	return d.channels.lookup(channelID, func(id string) string {
		if d.s.State != nil {
			if c, err := d.s.State.Channel(id); err == nil && c != nil {
				return c.Name
			}
		}
		return ""
	}, func(id string) string {
		if c, err := d.s.Channel(id); err == nil && c != nil {
			return c.Name
		}
		return ""
	})
}
