package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"telenode/internal/clock"

	"gopkg.in/yaml.v3"
)

// Plugin is the persisted record of a plugin unit
type Plugin struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description"`
	Help        string `yaml:"help"`
	Visibility  string `yaml:"visibility"`
	Kind        string `yaml:"kind"`
	Author      string `yaml:"author"`
	IsActive    bool   `yaml:"is_active"`
	Meta        `yaml:",inline"`
}

// User is a chat platform account seen by the bot
type User struct {
	ID        int64  `yaml:"id"`
	Username  string `yaml:"username,omitempty"`
	FirstName string `yaml:"first_name,omitempty"`
	LastName  string `yaml:"last_name,omitempty"`
	IsBot     bool   `yaml:"is_bot"`
	IsBlocked bool   `yaml:"is_blocked"`
	Meta      `yaml:",inline"`
}

// Chat is a conversation the bot takes part in
type Chat struct {
	ID        int64  `yaml:"id"`
	Type      string `yaml:"type,omitempty"`
	Title     string `yaml:"title,omitempty"`
	Username  string `yaml:"username,omitempty"`
	IsActive  bool   `yaml:"is_active"`
	IsBlocked bool   `yaml:"is_blocked"`
	Meta      `yaml:",inline"`
}

// Role is the per (user, chat) privilege relation
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleBanned Role = "banned"
)

// AuthKey identifies an authorization record
type AuthKey struct {
	UserID int64
	ChatID int64
}

// Authorization relates a user to a chat with a role
type Authorization struct {
	UserID    int64  `yaml:"user_id"`
	ChatID    int64  `yaml:"chat_id"`
	Role      Role   `yaml:"role"`
	GrantedBy int64  `yaml:"granted_by,omitempty"`
	Note      string `yaml:"note,omitempty"`
	Meta      `yaml:",inline"`
}

// Key returns the composite key of the record
func (a Authorization) Key() AuthKey {
	return AuthKey{UserID: a.UserID, ChatID: a.ChatID}
}

// Configuration is a runtime setting stored as a string value
type Configuration struct {
	Key         string `yaml:"key"`
	Value       string `yaml:"value"`
	Type        string `yaml:"type"`
	Category    string `yaml:"category"`
	Description string `yaml:"description,omitempty"`
	CreatedBy   string `yaml:"created_by,omitempty"`
	Meta        `yaml:",inline"`
}

// Store bundles the tables the runtime uses.
// Fields are interfaces so callers can substitute a failing or remote table.
type Store struct {
	Plugins        Table[string, Plugin]
	Users          Table[int64, User]
	Chats          Table[int64, Chat]
	Authorizations Table[AuthKey, Authorization]
	Configurations Table[string, Configuration]

	plugins        *memTable[string, Plugin]
	users          *memTable[int64, User]
	chats          *memTable[int64, Chat]
	authorizations *memTable[AuthKey, Authorization]
	configurations *memTable[string, Configuration]
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(c clock.Clock) *Store {
	if c == nil {
		c = clock.NewRealClock()
	}

	s := &Store{
		plugins: newMemTable(c, true,
			func(p Plugin) string { return p.Name },
			func(p *Plugin) *Meta { return &p.Meta }),
		users: newMemTable(c, true,
			func(u User) int64 { return u.ID },
			func(u *User) *Meta { return &u.Meta }),
		chats: newMemTable(c, true,
			func(ch Chat) int64 { return ch.ID },
			func(ch *Chat) *Meta { return &ch.Meta }),
		// Authorization rows are hard-deleted
		authorizations: newMemTable(c, false,
			func(a Authorization) AuthKey { return a.Key() },
			func(a *Authorization) *Meta { return &a.Meta }),
		configurations: newMemTable(c, true,
			func(cfg Configuration) string { return cfg.Key },
			func(cfg *Configuration) *Meta { return &cfg.Meta }),
	}

	s.Plugins = s.plugins
	s.Users = s.users
	s.Chats = s.chats
	s.Authorizations = s.authorizations
	s.Configurations = s.configurations
	return s
}

type snapshot struct {
	Plugins        []Plugin        `yaml:"plugins"`
	Users          []User          `yaml:"users"`
	Chats          []Chat          `yaml:"chats"`
	Authorizations []Authorization `yaml:"authorizations"`
	Configurations []Configuration `yaml:"configurations"`
}

// Save writes every row, soft-deleted ones included, to a YAML file
func (s *Store) Save(path string) error {
	snap := snapshot{
		Plugins:        s.plugins.all(),
		Users:          s.users.all(),
		Chats:          s.chats.all(),
		Authorizations: s.authorizations.all(),
		Configurations: s.configurations.all(),
	}

	data, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to marshal store snapshot: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write store snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace store snapshot: %w", err)
	}
	return nil
}

// LoadStore reads a snapshot written by Save. A missing file yields an empty store.
func LoadStore(path string, c clock.Clock) (*Store, error) {
	s := NewMemoryStore(c)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store snapshot: %w", err)
	}

	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse store snapshot %s: %w", path, err)
	}

	s.plugins.load(snap.Plugins)
	s.users.load(snap.Users)
	s.chats.load(snap.Chats)
	s.authorizations.load(snap.Authorizations)
	s.configurations.load(snap.Configurations)
	return s, nil
}

// PluginConfigKey namespaces a configuration key under a plugin
func PluginConfigKey(plugin, key string) string {
	return "plugins." + plugin + "." + key
}

// ConfigCategory derives the category of a configuration key from its prefix
func ConfigCategory(key string) string {
	switch {
	case strings.HasPrefix(key, "plugins."):
		return "plugin"
	case strings.HasPrefix(key, "global."):
		return "global"
	case strings.HasPrefix(key, "system."):
		return "system"
	default:
		return "general"
	}
}

func valueType(v string) string {
	if _, err := strconv.ParseBool(v); err == nil {
		return "boolean"
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return "number"
	}
	return "string"
}

// GetConfig returns the value stored under key
func (s *Store) GetConfig(key string) (string, bool, error) {
	cfg, err := s.Configurations.Get(key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return cfg.Value, true, nil
}

// SetConfig upserts key, restoring it if it was soft-deleted
func (s *Store) SetConfig(key, value, createdBy string) error {
	_, created, err := s.Configurations.GetOrCreate(Configuration{
		Key:       key,
		Value:     value,
		Type:      valueType(value),
		Category:  ConfigCategory(key),
		CreatedBy: createdBy,
	})
	if err != nil || created {
		return err
	}

	_, err = s.Configurations.Update(key, func(c *Configuration) {
		c.Value = value
		c.Type = valueType(value)
		c.Category = ConfigCategory(key)
	})
	return err
}

// ConfigByPrefix returns every live configuration whose key starts with prefix
func (s *Store) ConfigByPrefix(prefix string) ([]Configuration, error) {
	return s.Configurations.Where(func(c Configuration) bool {
		return strings.HasPrefix(c.Key, prefix)
	})
}
