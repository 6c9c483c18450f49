package notifications

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/logging"
	"github.com/quantumlife/pulse/internal/storage"
)

var log = logging.WithField("component", "notifications")

// Subscriber receives notifications in real-time. Send must not block.
type Subscriber interface {
	Send(notification Notification) error
	ID() string
}

// Publisher forwards notifications to an external sink
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

// Service persists notifications and fans them out to subscribers and
// publishers. A nil db keeps nothing and only fans out.
type Service struct {
	db          *storage.DB
	subscribers map[string]Subscriber
	publishers  []Publisher
	mu          sync.RWMutex
	now         func() time.Time
}

// NewService creates a new notification service
func NewService(db *storage.DB) *Service {
	return &Service{
		db:          db,
		subscribers: make(map[string]Subscriber),
		now:         time.Now,
	}
}

// Subscribe adds a subscriber for real-time notifications
func (s *Service) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID()] = sub
}

// Unsubscribe removes a subscriber
func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// AddPublisher attaches an external sink such as a Redis stream
func (s *Service) AddPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers = append(s.publishers, p)
}

// PushNotification stores a notification and delivers it. Subscriber and
// publisher failures are logged; only a storage failure is returned.
func (s *Service) PushNotification(ctx context.Context, cn core.Notification) error {
	if strings.TrimSpace(cn.Title) == "" {
		return fmt.Errorf("%w: notification title", core.ErrMissingRequired)
	}
	if cn.ID == "" {
		cn.ID = uuid.NewString()
	}
	if cn.CreatedAt.IsZero() {
		cn.CreatedAt = s.now().UTC()
	}
	if cn.Urgency == "" {
		cn.Urgency = core.UrgencyNormal
	}
	n := Notification{Notification: cn}

	if s.db != nil {
		if err := s.save(ctx, n); err != nil {
			return fmt.Errorf("save notification: %w", err)
		}
	}

	s.broadcast(n)
	s.publish(ctx, n)

	log.WithFields(map[string]interface{}{
		"notification_id": n.ID,
		"conversation_id": n.ConversationID,
		"rule_id":         n.RuleID,
		"urgency":         string(n.Urgency),
	}).Debug("Notification pushed: %s", n.Title)
	return nil
}

func (s *Service) save(ctx context.Context, n Notification) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO notifications (id, conversation_id, rule_id, title, body, urgency, read, dismissed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.ConversationID, n.RuleID, n.Title, n.Body, string(n.Urgency), n.Read, n.Dismissed,
		storage.FormatTime(n.CreatedAt))
	return err
}

// broadcast sends notification to all subscribers
func (s *Service) broadcast(n Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, sub := range s.subscribers {
		if err := sub.Send(n); err != nil {
			log.WithField("subscriber", id).Warn("Failed to deliver notification: %v", err)
		}
	}
}

func (s *Service) publish(ctx context.Context, n Notification) {
	s.mu.RLock()
	publishers := append([]Publisher(nil), s.publishers...)
	s.mu.RUnlock()

	for _, p := range publishers {
		if err := p.Publish(ctx, n); err != nil {
			log.WithField("notification_id", n.ID).Warn("Failed to publish notification: %v", err)
		}
	}
}

const notificationColumns = `id, conversation_id, rule_id, title, body, urgency, read, dismissed, created_at, read_at, dismissed_at`

// Get retrieves a notification by ID
func (s *Service) Get(ctx context.Context, id string) (*Notification, error) {
	if s.db == nil {
		return nil, core.ErrRecordNotFound
	}
	row := s.db.Conn().QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: notification %s", core.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// List returns notifications matching filter, newest first
func (s *Service) List(ctx context.Context, filter NotificationFilter) ([]*Notification, error) {
	if s.db == nil {
		return nil, nil
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE 1=1`
	var args []any

	if filter.ConversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, filter.ConversationID)
	}
	if filter.RuleID != "" {
		query += " AND rule_id = ?"
		args = append(args, filter.RuleID)
	}
	if filter.Urgency != "" {
		query += " AND urgency = ?"
		args = append(args, string(filter.Urgency))
	}
	if filter.Read != nil {
		query += " AND read = ?"
		args = append(args, *filter.Read)
	}
	if filter.Dismissed != nil {
		query += " AND dismissed = ?"
		args = append(args, *filter.Dismissed)
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetUnread returns all unread, undismissed notifications
func (s *Service) GetUnread(ctx context.Context) ([]*Notification, error) {
	f := false
	return s.List(ctx, NotificationFilter{Read: &f, Dismissed: &f})
}

// MarkRead marks a notification as read
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "read", "read_at")
}

// MarkAllRead marks every notification as read
func (s *Service) MarkAllRead(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Conn().ExecContext(ctx,
		`UPDATE notifications SET read = 1, read_at = ? WHERE read = 0`,
		storage.FormatTime(s.now()))
	return err
}

// Dismiss dismisses a notification
func (s *Service) Dismiss(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "dismissed", "dismissed_at")
}

func (s *Service) setFlag(ctx context.Context, id, flag, stamp string) error {
	if s.db == nil {
		return core.ErrRecordNotFound
	}
	res, err := s.db.Conn().ExecContext(ctx,
		fmt.Sprintf(`UPDATE notifications SET %s = 1, %s = ? WHERE id = ?`, flag, stamp),
		storage.FormatTime(s.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: notification %s", core.ErrRecordNotFound, id)
	}
	return nil
}

// UnreadCount returns the number of unread notifications
func (s *Service) UnreadCount(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	var count int
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE read = 0 AND dismissed = 0`).Scan(&count)
	return count, err
}

// Stats returns notification statistics
func (s *Service) Stats(ctx context.Context) (*NotificationStats, error) {
	stats := &NotificationStats{ByUrgency: make(map[core.Urgency]int)}
	if s.db == nil {
		return stats, nil
	}

	conn := s.db.Conn()
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`).Scan(&stats.Total); err != nil {
		return nil, err
	}
	unread, err := s.UnreadCount(ctx)
	if err != nil {
		return nil, err
	}
	stats.Unread = unread

	rows, err := conn.QueryContext(ctx, `SELECT urgency, COUNT(*) FROM notifications GROUP BY urgency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var urgency string
		var count int
		if err := rows.Scan(&urgency, &count); err != nil {
			return nil, err
		}
		stats.ByUrgency[core.Urgency(urgency)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var last sql.NullString
	if err := conn.QueryRowContext(ctx, `SELECT MAX(created_at) FROM notifications`).Scan(&last); err != nil {
		return nil, err
	}
	if stats.LastCreated, err = storage.ParseNullTime(last); err != nil {
		return nil, err
	}
	return stats, nil
}

// Cleanup removes notifications older than the given age
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	cutoff := s.now().Add(-olderThan)
	res, err := s.db.Conn().ExecContext(ctx,
		`DELETE FROM notifications WHERE created_at < ?`, storage.FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		log.Info("Removed %d old notifications", n)
	}
	return int(n), err
}

// Close releases publishers
func (s *Service) Close() error {
	s.mu.Lock()
	publishers := s.publishers
	s.publishers = nil
	s.mu.Unlock()

	var errs []error
	for _, p := range publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var (
		n                 Notification
		urgency           string
		createdAt         string
		readAt, dismissed sql.NullString
	)
	err := row.Scan(&n.ID, &n.ConversationID, &n.RuleID, &n.Title, &n.Body, &urgency,
		&n.Read, &n.Dismissed, &createdAt, &readAt, &dismissed)
	if err != nil {
		return nil, err
	}
	n.Urgency = core.Urgency(urgency)
	if n.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if n.ReadAt, err = storage.ParseNullTime(readAt); err != nil {
		return nil, err
	}
	if n.DismissedAt, err = storage.ParseNullTime(dismissed); err != nil {
		return nil, err
	}
	return &n, nil
}
