// Package storage persists rooms, user profiles, and messages with gorm on
// SQLite or PostgreSQL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/lingochat/internal/chat"
)

// ErrNotFound is wrapped by lookups of missing or deleted records.
var ErrNotFound = chat.ErrNotFound

// DefaultRoomName is the room created by EnsureDefaultRoom.
const DefaultRoomName = "general"

// Options tune the database connection.
type Options struct {
	LogLevel        logger.LogLevel
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions returns the pool settings used by the server.
func DefaultOptions() Options {
	return Options{
		LogLevel:        logger.Warn,
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// Store implements chat.Store on a gorm database.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ chat.Store = (*Store)(nil)

// Open connects to dsn, choosing PostgreSQL for postgres:// and
// postgresql:// URLs and SQLite otherwise, then migrates the schema.
func Open(dsn string, opts Options, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	dialector, driver := dialectorFor(dsn)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(opts.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if driver == "sqlite" {
		// SQLite allows one writer, and every :memory: connection is its own
		// database.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(db, log)
	if err := s.Migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	log.Info("database ready", zap.String("driver", driver))
	return s, nil
}

func dialectorFor(dsn string) (gorm.Dialector, string) {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return postgres.Open(dsn), "postgres"
	}
	return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), "sqlite"
}

// New wraps an open gorm database without migrating it.
func New(db *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, logger: log}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	models := []interface{}{
		&roomRecord{},
		&userRecord{},
		&messageRecord{},
	}
	for _, model := range models {
		if err := s.db.WithContext(ctx).AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureDefaultRoom creates the default public room when no room exists.
func (s *Store) EnsureDefaultRoom(ctx context.Context) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&roomRecord{}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count rooms: %w", err)
	}
	if count > 0 {
		return nil
	}
	room, err := s.CreateRoom(ctx, chat.Room{
		Name:        DefaultRoomName,
		Description: "Open chat for everyone",
		IsActive:    true,
	})
	if err != nil {
		return err
	}
	s.logger.Info("created default room", zap.Int64("room_id", room.ID), zap.String("name", room.Name))
	return nil
}

// CreateRoom inserts a room and returns it with its assigned id.
func (s *Store) CreateRoom(ctx context.Context, room chat.Room) (chat.Room, error) {
	rec := roomRecord{
		Name:         room.Name,
		Description:  room.Description,
		IsActive:     room.IsActive,
		AdminOnly:    room.AdminOnly,
		LastActivity: room.LastActivity,
	}
	if rec.LastActivity.IsZero() {
		rec.LastActivity = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return chat.Room{}, fmt.Errorf("failed to create room: %w", err)
	}
	return rec.toRoom(), nil
}

// GetRoom returns a room by id, active or not.
func (s *Store) GetRoom(ctx context.Context, id int64) (chat.Room, error) {
	var rec roomRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return chat.Room{}, notFound(err, fmt.Sprintf("room %d", id))
	}
	return rec.toRoom(), nil
}

// ListRooms returns every room, most recently active first.
func (s *Store) ListRooms(ctx context.Context) ([]chat.Room, error) {
	var recs []roomRecord
	if err := s.db.WithContext(ctx).Order("last_activity DESC").Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	rooms := make([]chat.Room, 0, len(recs))
	for _, rec := range recs {
		rooms = append(rooms, rec.toRoom())
	}
	return rooms, nil
}

// SetRoomActive enables or disables a room.
func (s *Store) SetRoomActive(ctx context.Context, id int64, active bool) error {
	result := s.db.WithContext(ctx).Model(&roomRecord{}).Where("id = ?", id).Update("is_active", active)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to update room %d: %w", id, err)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("room %d: %w", id, ErrNotFound)
	}
	return nil
}

// TouchRoom records activity in a room.
func (s *Store) TouchRoom(ctx context.Context, id int64, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&roomRecord{}).Where("id = ?", id).Update("last_activity", at)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to touch room %d: %w", id, err)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("room %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetUser returns a user profile.
func (s *Store) GetUser(ctx context.Context, id string) (chat.User, error) {
	var rec userRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return chat.User{}, notFound(err, "user "+id)
	}
	return rec.toUser(), nil
}

// UpsertUser inserts a profile or updates its name, avatar, and language.
// The admin flag is only set on insert.
func (s *Store) UpsertUser(ctx context.Context, user chat.User) error {
	rec := userRecord{
		ID:                user.ID,
		Name:              user.Name,
		ProfileImageURL:   user.ProfileImageURL,
		IsAdmin:           user.IsAdmin,
		PreferredLanguage: user.PreferredLanguage,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "profile_image_url", "preferred_language", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.ID, err)
	}
	return nil
}

// SetAdmin grants or revokes admin privilege.
func (s *Store) SetAdmin(ctx context.Context, id string, admin bool) error {
	result := s.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", id).Update("is_admin", admin)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to update user %s: %w", id, err)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveMessage inserts msg and returns it with its assigned id.
func (s *Store) SaveMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	rec := newMessageRecord(msg)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return chat.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	return rec.toMessage(), nil
}

// GetMessage returns a message that has not been deleted.
func (s *Store) GetMessage(ctx context.Context, id int64) (chat.Message, error) {
	var rec messageRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return chat.Message{}, notFound(err, fmt.Sprintf("message %d", id))
	}
	return rec.toMessage(), nil
}

// ListMessages returns the latest limit messages of a room in id order,
// oldest first.
func (s *Store) ListMessages(ctx context.Context, roomID int64, limit int) ([]chat.Message, error) {
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for room %d: %w", roomID, err)
	}

	msgs := make([]chat.Message, len(recs))
	for i, rec := range recs {
		msgs[len(recs)-1-i] = rec.toMessage()
	}
	return msgs, nil
}

// DeleteMessage soft-deletes a message.
func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).Delete(&messageRecord{}, "id = ?", id)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to delete message %d: %w", id, err)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
