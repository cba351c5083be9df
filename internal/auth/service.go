// Package auth resolves whether a user may use the bot in a chat and with
// which privilege.
//
// Verdicts are cached with a TTL and FIFO eviction. Every mutation purges the
// affected keys before returning so a stale grant never outlives a change.
package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"telenode/internal/cache"
	"telenode/internal/clock"
	"telenode/internal/repository"
	"telenode/pkg/plugin"

	"github.com/agilira/go-timecache"
	"go.uber.org/zap"
)

const responseWindow = 1000

// Options configures the Service
type Options struct {
	RootUsers []int64
	TTL       time.Duration
	MaxSize   int
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Metrics is an observability snapshot of authorization checks
type Metrics struct {
	Checks          uint64        `json:"checks"`
	Denied          uint64        `json:"denied"`
	CacheHits       uint64        `json:"cache_hits"`
	CacheMisses     uint64        `json:"cache_misses"`
	BlockRate       float64       `json:"block_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	LastCheck       time.Time     `json:"last_check"`
	Cache           cache.Stats   `json:"cache"`
}

// Service is the authorization layer
type Service struct {
	store  *repository.Store
	root   map[int64]struct{}
	cache  *cache.Cache[string, any]
	clock  clock.Clock
	logger *zap.Logger

	// gate orders cache fills against invalidation: a miss reads the store
	// and fills the cache under the read lock, a mutation writes the store
	// and purges under the write lock
	gate sync.RWMutex

	metricsMu sync.Mutex
	metrics   Metrics
	durations []time.Duration
	next      int
}

// New creates the authorization service
func New(store *repository.Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	root := make(map[int64]struct{}, len(opts.RootUsers))
	for _, id := range opts.RootUsers {
		root[id] = struct{}{}
	}

	logger := opts.Logger.Named("auth")
	return &Service{
		store: store,
		root:  root,
		cache: cache.New[string, any](cache.Options{
			TTL:     opts.TTL,
			MaxSize: opts.MaxSize,
			Policy:  cache.EvictOldest,
			Clock:   opts.Clock,
			Logger:  logger,
		}),
		clock:     opts.Clock,
		logger:    logger,
		durations: make([]time.Duration, 0, responseWindow),
	}
}

// Start runs the periodic cache sweep
func (s *Service) Start() {
	s.cache.Start()
}

// Stop halts the periodic cache sweep
func (s *Service) Stop() {
	s.cache.Stop()
}

func grantedKey(userID, chatID int64) string {
	return "granted:" + strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(chatID, 10)
}

func roleKey(userID, chatID int64) string {
	return "role:" + strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(chatID, 10)
}

func userKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

func chatKey(chatID int64) string {
	return "chat:" + strconv.FormatInt(chatID, 10)
}

// IsRoot reports whether userID is in the static root set
func (s *Service) IsRoot(userID int64) bool {
	_, ok := s.root[userID]
	return ok
}

// RootUsers returns the configured root ids
func (s *Service) RootUsers() []int64 {
	ids := make([]int64, 0, len(s.root))
	for id := range s.root {
		ids = append(ids, id)
	}
	return ids
}

// IsGranted reports whether userID may use the bot in chatID.
// Root users always pass. Admins pass unless the user or chat is globally
// blocked. Blocked users, blocked chats and chat bans deny. Unknown users and
// chats are provisioned unblocked and allowed.
func (s *Service) IsGranted(ctx context.Context, userID, chatID int64) (bool, error) {
	start := s.clock.Now()

	if s.IsRoot(userID) {
		s.record(start, true, true)
		return true, nil
	}

	key := grantedKey(userID, chatID)
	if v, ok := s.cache.Get(key); ok {
		granted := v.(bool)
		s.record(start, granted, true)
		return granted, nil
	}

	s.gate.RLock()
	granted, err := s.resolve(ctx, userID, chatID)
	if err == nil {
		s.cache.Set(key, granted)
	}
	s.gate.RUnlock()
	if err != nil {
		return false, err
	}

	s.record(start, granted, false)

	if !granted {
		s.logger.Debug("Authorization denied",
			zap.Int64("user_id", userID),
			zap.Int64("chat_id", chatID))
	}
	return granted, nil
}

func (s *Service) resolve(ctx context.Context, userID, chatID int64) (bool, error) {
	user, err := s.user(ctx, userID)
	if err != nil {
		return false, err
	}
	chat, err := s.chat(ctx, chatID)
	if err != nil {
		return false, err
	}

	if user.IsBlocked || chat.IsBlocked {
		return false, nil
	}

	role, err := s.role(ctx, userID, chatID)
	if err != nil {
		return false, err
	}
	return role != repository.RoleBanned, nil
}

// IsAdmin reports whether userID is root or an admin of chatID
func (s *Service) IsAdmin(ctx context.Context, userID, chatID int64) (bool, error) {
	if s.IsRoot(userID) {
		return true, nil
	}
	role, err := s.Role(ctx, userID, chatID)
	if err != nil {
		return false, err
	}
	return role == repository.RoleAdmin, nil
}

// Role returns the stored role of userID in chatID, or "" when none
func (s *Service) Role(ctx context.Context, userID, chatID int64) (repository.Role, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.role(ctx, userID, chatID)
}

func (s *Service) role(ctx context.Context, userID, chatID int64) (repository.Role, error) {
	key := roleKey(userID, chatID)
	if v, ok := s.cache.Get(key); ok {
		return v.(repository.Role), nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	var role repository.Role
	rec, err := s.store.Authorizations.Get(repository.AuthKey{UserID: userID, ChatID: chatID})
	switch {
	case err == nil:
		role = rec.Role
	case errors.Is(err, repository.ErrNotFound):
	default:
		return "", plugin.NewRepositoryError("authorizations.get", err)
	}

	s.cache.Set(key, role)
	return role, nil
}

func (s *Service) user(ctx context.Context, userID int64) (repository.User, error) {
	key := userKey(userID)
	if v, ok := s.cache.Get(key); ok {
		return v.(repository.User), nil
	}
	if err := ctx.Err(); err != nil {
		return repository.User{}, err
	}

	u, _, err := s.store.Users.GetOrCreate(repository.User{ID: userID})
	if err != nil {
		return repository.User{}, plugin.NewRepositoryError("users.get_or_create", err)
	}
	s.cache.Set(key, u)
	return u, nil
}

func (s *Service) chat(ctx context.Context, chatID int64) (repository.Chat, error) {
	key := chatKey(chatID)
	if v, ok := s.cache.Get(key); ok {
		return v.(repository.Chat), nil
	}
	if err := ctx.Err(); err != nil {
		return repository.Chat{}, err
	}

	c, _, err := s.store.Chats.GetOrCreate(repository.Chat{ID: chatID, IsActive: true})
	if err != nil {
		return repository.Chat{}, plugin.NewRepositoryError("chats.get_or_create", err)
	}
	s.cache.Set(key, c)
	return c, nil
}

// Provision records the latest profile of a user seen on an update
func (s *Service) Provision(ctx context.Context, u repository.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	if _, created, err := s.store.Users.GetOrCreate(u); err != nil {
		return plugin.NewRepositoryError("users.get_or_create", err)
	} else if created {
		return nil
	}

	_, err := s.store.Users.Update(u.ID, func(row *repository.User) {
		row.Username = u.Username
		row.FirstName = u.FirstName
		row.LastName = u.LastName
		row.IsBot = u.IsBot
	})
	if err != nil {
		return plugin.NewRepositoryError("users.update", err)
	}
	s.invalidateUser(u.ID)
	return nil
}

// BlockUser denies userID in every chat
func (s *Service) BlockUser(ctx context.Context, userID int64) error {
	return s.setUserBlocked(ctx, userID, true)
}

// UnblockUser lifts a global user block
func (s *Service) UnblockUser(ctx context.Context, userID int64) error {
	return s.setUserBlocked(ctx, userID, false)
}

func (s *Service) setUserBlocked(ctx context.Context, userID int64, blocked bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.gate.Lock()
	defer s.gate.Unlock()
	defer s.invalidateUser(userID)

	if _, _, err := s.store.Users.GetOrCreate(repository.User{ID: userID}); err != nil {
		return plugin.NewRepositoryError("users.get_or_create", err)
	}
	if _, err := s.store.Users.Update(userID, func(u *repository.User) { u.IsBlocked = blocked }); err != nil {
		return plugin.NewRepositoryError("users.update", err)
	}

	s.logger.Info("User block changed", zap.Int64("user_id", userID), zap.Bool("blocked", blocked))
	return nil
}

// BlockChat denies every non-root user in chatID
func (s *Service) BlockChat(ctx context.Context, chatID int64) error {
	return s.setChatBlocked(ctx, chatID, true)
}

// UnblockChat lifts a chat block
func (s *Service) UnblockChat(ctx context.Context, chatID int64) error {
	return s.setChatBlocked(ctx, chatID, false)
}

func (s *Service) setChatBlocked(ctx context.Context, chatID int64, blocked bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.gate.Lock()
	defer s.gate.Unlock()
	defer s.invalidateChat(chatID)

	if _, _, err := s.store.Chats.GetOrCreate(repository.Chat{ID: chatID, IsActive: true}); err != nil {
		return plugin.NewRepositoryError("chats.get_or_create", err)
	}
	if _, err := s.store.Chats.Update(chatID, func(c *repository.Chat) { c.IsBlocked = blocked }); err != nil {
		return plugin.NewRepositoryError("chats.update", err)
	}

	s.logger.Info("Chat block changed", zap.Int64("chat_id", chatID), zap.Bool("blocked", blocked))
	return nil
}

// Ban denies userID in chatID. It replaces an admin grant for the pair.
func (s *Service) Ban(ctx context.Context, userID, chatID, by int64) error {
	return s.setRole(ctx, userID, chatID, repository.RoleBanned, by)
}

// Unban removes a chat ban. Unbanning a user that is not banned is a no-op.
func (s *Service) Unban(ctx context.Context, userID, chatID int64) error {
	return s.clearRole(ctx, userID, chatID, repository.RoleBanned)
}

// AddAdmin grants admin in chatID. It replaces a ban for the pair.
func (s *Service) AddAdmin(ctx context.Context, userID, chatID, by int64) error {
	return s.setRole(ctx, userID, chatID, repository.RoleAdmin, by)
}

// RemoveAdmin revokes an admin grant
func (s *Service) RemoveAdmin(ctx context.Context, userID, chatID int64) error {
	return s.clearRole(ctx, userID, chatID, repository.RoleAdmin)
}

func (s *Service) setRole(ctx context.Context, userID, chatID int64, role repository.Role, by int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.gate.Lock()
	defer s.gate.Unlock()
	defer s.invalidatePair(userID, chatID)

	key := repository.AuthKey{UserID: userID, ChatID: chatID}
	_, created, err := s.store.Authorizations.GetOrCreate(repository.Authorization{
		UserID:    userID,
		ChatID:    chatID,
		Role:      role,
		GrantedBy: by,
	})
	if err != nil {
		return plugin.NewRepositoryError("authorizations.get_or_create", err)
	}
	if !created {
		_, err = s.store.Authorizations.Update(key, func(a *repository.Authorization) {
			a.Role = role
			a.GrantedBy = by
		})
		if err != nil {
			return plugin.NewRepositoryError("authorizations.update", err)
		}
	}

	s.logger.Info("Role granted",
		zap.Int64("user_id", userID),
		zap.Int64("chat_id", chatID),
		zap.String("role", string(role)),
		zap.Int64("granted_by", by))
	return nil
}

func (s *Service) clearRole(ctx context.Context, userID, chatID int64, role repository.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.gate.Lock()
	defer s.gate.Unlock()
	defer s.invalidatePair(userID, chatID)

	key := repository.AuthKey{UserID: userID, ChatID: chatID}
	rec, err := s.store.Authorizations.Get(key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return plugin.NewRepositoryError("authorizations.get", err)
	}
	if rec.Role != role {
		return nil
	}

	if err := s.store.Authorizations.Delete(key); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return plugin.NewRepositoryError("authorizations.delete", err)
	}

	s.logger.Info("Role revoked",
		zap.Int64("user_id", userID),
		zap.Int64("chat_id", chatID),
		zap.String("role", string(role)))
	return nil
}

// InvalidateUser purges every cached key whose user segment is userID
func (s *Service) InvalidateUser(userID int64) int {
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.invalidateUser(userID)
}

func (s *Service) invalidateUser(userID int64) int {
	id := strconv.FormatInt(userID, 10)
	return s.cache.DeleteFunc(func(k string) bool {
		prefix, rest, _ := strings.Cut(k, ":")
		switch prefix {
		case "user":
			return rest == id
		case "granted", "role":
			u, _, _ := strings.Cut(rest, ":")
			return u == id
		}
		return false
	})
}

// InvalidateChat purges every cached key whose chat segment is chatID
func (s *Service) InvalidateChat(chatID int64) int {
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.invalidateChat(chatID)
}

func (s *Service) invalidateChat(chatID int64) int {
	id := strconv.FormatInt(chatID, 10)
	return s.cache.DeleteFunc(func(k string) bool {
		prefix, rest, _ := strings.Cut(k, ":")
		switch prefix {
		case "chat":
			return rest == id
		case "granted", "role":
			_, c, _ := strings.Cut(rest, ":")
			return c == id
		}
		return false
	})
}

func (s *Service) invalidatePair(userID, chatID int64) {
	s.invalidateUser(userID)
	s.invalidateChat(chatID)
}

// ClearCache drops every cached verdict
func (s *Service) ClearCache() {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.cache.Clear()
}

func (s *Service) record(start time.Time, granted, hit bool) {
	elapsed := s.clock.Since(start)

	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()

	s.metrics.Checks++
	if !granted {
		s.metrics.Denied++
	}
	if hit {
		s.metrics.CacheHits++
	} else {
		s.metrics.CacheMisses++
	}
	s.metrics.LastCheck = timecache.CachedTime()

	if len(s.durations) < responseWindow {
		s.durations = append(s.durations, elapsed)
	} else {
		s.durations[s.next] = elapsed
		s.next = (s.next + 1) % responseWindow
	}
}

// Metrics returns an observability snapshot
func (s *Service) Metrics() Metrics {
	s.metricsMu.Lock()
	m := s.metrics
	var total time.Duration
	for _, d := range s.durations {
		total += d
	}
	if n := len(s.durations); n > 0 {
		m.AvgResponseTime = total / time.Duration(n)
	}
	s.metricsMu.Unlock()

	if m.Checks > 0 {
		m.BlockRate = float64(m.Denied) / float64(m.Checks) * 100
	}
	m.Cache = s.cache.Stats()
	return m
}
