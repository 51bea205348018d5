package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// DefaultHistoryLimit and MaxHistoryLimit bound History queries.
const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 500
)

// Service validates, persists, and publishes chat messages.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu          sync.RWMutex
	broadcaster Broadcaster
}

// NewService creates a Service backed by store. A nil logger disables logging.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SetBroadcaster installs the fan-out target for new and deleted messages.
// Until one is set, changes are persisted but not published.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcaster = b
}

func (s *Service) currentBroadcaster() Broadcaster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broadcaster
}

// Submit validates req on behalf of sender, stores the message, and publishes
// it. Nothing is stored or published when an error is returned.
func (s *Service) Submit(ctx context.Context, sender Sender, req SubmitRequest) (Message, error) {
	if sender.UserID == "" {
		return Message{}, ErrUnauthenticated
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return Message{}, ErrMessageTooLong
	}

	room, err := s.activeRoom(ctx, req.RoomID)
	if err != nil {
		return Message{}, err
	}

	profile := s.resolveSender(ctx, sender)
	if room.AdminOnly && !profile.IsAdmin {
		return Message{}, ErrAdminOnly
	}

	msg := Message{
		RoomID:                room.ID,
		SenderID:              sender.UserID,
		SenderName:            profile.Name,
		SenderProfileImageURL: profile.ProfileImageURL,
		OriginalText:          text,
		OriginalLanguage:      DetectLanguage(text),
		ReplyToID:             req.ReplyToID,
		ReplyToText:           req.ReplyToText,
		ReplyToSenderName:     req.ReplyToSenderName,
		Mentions:              MergeMentions(req.Mentions, ExtractMentions(text)),
		Timestamp:             s.now().UTC(),
	}

	saved, err := s.store.SaveMessage(ctx, msg)
	if err != nil {
		s.logger.Error("save message failed",
			zap.Int64("room_id", room.ID),
			zap.String("sender_id", sender.UserID),
			zap.Error(err))
		return Message{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := s.store.TouchRoom(ctx, room.ID, saved.Timestamp); err != nil {
		s.logger.Warn("update room activity failed", zap.Int64("room_id", room.ID), zap.Error(err))
	}

	if b := s.currentBroadcaster(); b != nil {
		b.PublishMessage(saved)
	}
	return saved, nil
}

// Delete soft-deletes a message when requesterID is its sender or an admin,
// then publishes the deletion.
func (s *Service) Delete(ctx context.Context, messageID int64, requesterID string) error {
	if requesterID == "" {
		return ErrUnauthenticated
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("load message %d: %w", messageID, err)
	}

	if msg.SenderID != requesterID {
		admin, err := s.isAdmin(ctx, requesterID)
		if err != nil {
			return err
		}
		if !admin {
			return ErrForbidden
		}
	}

	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("delete message %d: %w", messageID, err)
	}

	s.logger.Info("message deleted",
		zap.Int64("message_id", messageID),
		zap.Int64("room_id", msg.RoomID),
		zap.String("requester_id", requesterID))

	if b := s.currentBroadcaster(); b != nil {
		b.PublishDeletion(msg.RoomID, messageID)
	}
	return nil
}

// SyncProfile records the profile presented by a verified identity. Empty
// fields keep their stored values, and admin privilege is only ever granted
// here, never revoked. It returns the stored profile.
func (s *Service) SyncProfile(ctx context.Context, profile User) (User, error) {
	profile.ID = strings.TrimSpace(profile.ID)
	if profile.ID == "" {
		return User{}, ErrUnauthenticated
	}

	current, err := s.store.GetUser(ctx, profile.ID)
	exists := err == nil
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return User{}, fmt.Errorf("load user %s: %w", profile.ID, err)
		}
		current = User{ID: profile.ID}
	}

	merged := current
	if profile.Name != "" {
		merged.Name = profile.Name
	}
	if profile.ProfileImageURL != "" {
		merged.ProfileImageURL = profile.ProfileImageURL
	}
	if profile.PreferredLanguage != "" {
		merged.PreferredLanguage = profile.PreferredLanguage
	}
	merged.IsAdmin = current.IsAdmin || profile.IsAdmin
	if exists && merged == current {
		return current, nil
	}

	if err := s.store.UpsertUser(ctx, merged); err != nil {
		return User{}, fmt.Errorf("save user %s: %w", profile.ID, err)
	}
	// Upserts only set the admin flag on insert.
	if exists && merged.IsAdmin && !current.IsAdmin {
		if err := s.store.SetAdmin(ctx, profile.ID, true); err != nil {
			return User{}, fmt.Errorf("grant admin to %s: %w", profile.ID, err)
		}
	}

	s.logger.Info("user profile synced",
		zap.String("user_id", merged.ID),
		zap.Bool("created", !exists),
		zap.Bool("admin", merged.IsAdmin))
	return merged, nil
}

// History returns up to limit messages of an active room, oldest first.
func (s *Service) History(ctx context.Context, roomID int64, limit int) ([]Message, error) {
	if _, err := s.activeRoom(ctx, roomID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	msgs, err := s.store.ListMessages(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages for room %d: %w", roomID, err)
	}
	return msgs, nil
}

// Message returns a single stored message.
func (s *Service) Message(ctx context.Context, id int64) (Message, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Message{}, ErrMessageNotFound
	}
	return msg, err
}

// Room returns an active room.
func (s *Service) Room(ctx context.Context, id int64) (Room, error) {
	return s.activeRoom(ctx, id)
}

// Rooms lists the active rooms.
func (s *Service) Rooms(ctx context.Context) ([]Room, error) {
	rooms, err := s.store.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	active := rooms[:0]
	for _, r := range rooms {
		if r.IsActive {
			active = append(active, r)
		}
	}
	return active, nil
}

func (s *Service) activeRoom(ctx context.Context, id int64) (Room, error) {
	room, err := s.store.GetRoom(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Room{}, ErrRoomNotFound
		}
		return Room{}, fmt.Errorf("load room %d: %w", id, err)
	}
	if !room.IsActive {
		return Room{}, ErrRoomNotFound
	}
	return room, nil
}

// resolveSender reads the current profile so that name and avatar changes
// show up on the next message. Without a stored profile the connection's
// display name is used.
func (s *Service) resolveSender(ctx context.Context, sender Sender) User {
	user, err := s.store.GetUser(ctx, sender.UserID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("load sender profile failed", zap.String("user_id", sender.UserID), zap.Error(err))
		}
		return User{ID: sender.UserID, Name: sender.DisplayName}
	}
	if user.Name == "" {
		user.Name = sender.DisplayName
	}
	return user
}

func (s *Service) isAdmin(ctx context.Context, userID string) (bool, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load user %s: %w", userID, err)
	}
	return user.IsAdmin, nil
}
