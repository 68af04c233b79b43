package translation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CacheRecord is the durable translation memo row.
type CacheRecord struct {
	ContentHash      string `gorm:"column:content_hash;primaryKey;size:64;not null"`
	TargetLanguage   string `gorm:"column:target_language;primaryKey;size:35;not null"`
	TranslatedText   string `gorm:"column:translated_text;type:text;not null"`
	SourceLanguage   string `gorm:"column:source_language;size:35;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CacheRecord) TableName() string {
	return "translation_cache"
}

// GormStore backs the durable cache tier with the service database.
type GormStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormStore constructs the database-backed cache tier.
func NewGormStore(db *gorm.DB, clock func() time.Time) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("translation: database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormStore{db: db, clock: clock}, nil
}

// Get looks up one memoized translation.
func (s *GormStore) Get(ctx context.Context, contentHash string, targetLang string) (CacheEntry, bool, error) {
	var record CacheRecord
	err := s.db.WithContext(ctx).
		Where("content_hash = ? AND target_language = ?", contentHash, targetLang).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	return CacheEntry{
		ContentHash:    record.ContentHash,
		TargetLanguage: record.TargetLanguage,
		TranslatedText: record.TranslatedText,
		SourceLanguage: record.SourceLanguage,
	}, true, nil
}

// Put memoizes one translation. Concurrent writers racing on the same key
// keep the first row; entries are idempotent memos either way.
func (s *GormStore) Put(ctx context.Context, entry CacheEntry) error {
	record := CacheRecord{
		ContentHash:      entry.ContentHash,
		TargetLanguage:   entry.TargetLanguage,
		TranslatedText:   entry.TranslatedText,
		SourceLanguage:   entry.SourceLanguage,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
}

const (
	redisKeyPrefix      = "translation:"
	defaultRedisTimeout = 5 * time.Second
	defaultRedisTTL     = 30 * 24 * time.Hour
)

// RedisStore backs the durable cache tier with Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("translation: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), defaultRedisTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("translation: connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client (used by tests).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ttl: defaultRedisTTL}
}

func redisKey(contentHash string, targetLang string) string {
	return redisKeyPrefix + contentHash + ":" + targetLang
}

type redisEntryPayload struct {
	TranslatedText string `json:"translated_text"`
	SourceLanguage string `json:"source_language"`
}

// Get looks up one memoized translation.
func (s *RedisStore) Get(ctx context.Context, contentHash string, targetLang string) (CacheEntry, bool, error) {
	raw, err := s.client.Get(ctx, redisKey(contentHash, targetLang)).Result()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("translation: redis get: %w", err)
	}
	var payload redisEntryPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return CacheEntry{}, false, fmt.Errorf("translation: decode redis entry: %w", err)
	}
	return CacheEntry{
		ContentHash:    contentHash,
		TargetLanguage: targetLang,
		TranslatedText: payload.TranslatedText,
		SourceLanguage: payload.SourceLanguage,
	}, true, nil
}

// Put memoizes one translation with a TTL; expiry only costs a recompute.
func (s *RedisStore) Put(ctx context.Context, entry CacheEntry) error {
	payload, err := json.Marshal(redisEntryPayload{
		TranslatedText: entry.TranslatedText,
		SourceLanguage: entry.SourceLanguage,
	})
	if err != nil {
		return fmt.Errorf("translation: encode redis entry: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(entry.ContentHash, entry.TargetLanguage), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("translation: redis set: %w", err)
	}
	return nil
}
