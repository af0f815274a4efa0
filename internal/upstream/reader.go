// Package upstream reads the external user database: subscriptions, watched
// sets, and per-channel video listings. Strictly read-only; vidarr never
// writes a row here.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrUserNotFound indicates the email has no row in the users table.
var ErrUserNotFound = errors.New("upstream user not found")

// User is one upstream account with a non-empty subscription list.
type User struct {
	Email         string
	Subscriptions []string
}

// ChannelVideo is one row of the upstream channel-video listing.
type ChannelVideo struct {
	VideoID       string
	Title         string
	Author        string
	ChannelID     string
	Published     time.Time
	LengthSeconds int
	LiveNow       bool
	PremiereAt    *time.Time
}

// LatestVideosQuery parameterizes GetLatestVideos.
type LatestVideosQuery struct {
	ChannelIDs         []string
	PublishedAfter     *time.Time
	ExcludeLive        bool
	ExcludePremieres   bool
	MinDurationSeconds int
	Limit              int
}

// Reader queries the upstream database over a read-only connection pool.
type Reader struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewReader connects to the upstream database. The pool is kept small: the
// watcher is the only consumer and its queries are short.
func NewReader(dsn string, log *slog.Logger) (*Reader, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to upstream database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &Reader{db: db, logger: log.With("component", "upstream")}, nil
}

// Close closes the connection pool.
func (r *Reader) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping verifies the upstream connection.
func (r *Reader) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// userRow is the scan target for users queries. Subscriptions are a text[]
// column; joining server-side avoids a pgtype dependency on the scan path.
type userRow struct {
	Email         string
	Subscriptions string
}

func (u userRow) toUser() User {
	user := User{Email: u.Email}
	if u.Subscriptions != "" {
		user.Subscriptions = strings.Split(u.Subscriptions, "\x1f")
	}
	return user
}

// GetAllUsersWithSubscriptions returns every user whose subscription list is
// non-empty.
func (r *Reader) GetAllUsersWithSubscriptions(ctx context.Context) ([]User, error) {
	var rows []userRow
	err := r.db.WithContext(ctx).Raw(`
		SELECT email, array_to_string(subscriptions, chr(31)) AS subscriptions
		FROM users
		WHERE cardinality(subscriptions) > 0
		ORDER BY email`).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying users with subscriptions: %w", err)
	}

	users := make([]User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toUser())
	}
	return users, nil
}

// GetSubscriptions returns the channel IDs one user subscribes to.
func (r *Reader) GetSubscriptions(ctx context.Context, userEmail string) ([]string, error) {
	var rows []userRow
	err := r.db.WithContext(ctx).Raw(`
		SELECT email, array_to_string(subscriptions, chr(31)) AS subscriptions
		FROM users
		WHERE email = ?`, userEmail).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions for %s: %w", userEmail, err)
	}
	if len(rows) == 0 {
		return nil, ErrUserNotFound
	}
	return rows[0].toUser().Subscriptions, nil
}

// GetLatestVideos returns channel videos matching the query, newest first.
func (r *Reader) GetLatestVideos(ctx context.Context, q LatestVideosQuery) ([]ChannelVideo, error) {
	if len(q.ChannelIDs) == 0 {
		return nil, nil
	}

	var (
		conds = []string{"ucid IN ?"}
		args  = []any{q.ChannelIDs}
	)
	if q.PublishedAfter != nil {
		conds = append(conds, "published > ?")
		args = append(args, *q.PublishedAfter)
	}
	if q.ExcludeLive {
		conds = append(conds, "NOT live_now")
	}
	if q.ExcludePremieres {
		conds = append(conds, "(premiere_timestamp IS NULL OR premiere_timestamp <= now())")
	}
	if q.MinDurationSeconds > 0 {
		conds = append(conds, "length_seconds >= ?")
		args = append(args, q.MinDurationSeconds)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	var rows []struct {
		ID                string
		Title             string
		Author            string
		Ucid              string
		Published         time.Time
		LengthSeconds     int
		LiveNow           bool
		PremiereTimestamp *time.Time
	}
	query := `
		SELECT id, title, author, ucid, published, length_seconds,
		       live_now, premiere_timestamp
		FROM channel_videos
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY published DESC
		LIMIT ?`
	if err := r.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying latest videos: %w", err)
	}

	videos := make([]ChannelVideo, 0, len(rows))
	for _, row := range rows {
		videos = append(videos, ChannelVideo{
			VideoID:       row.ID,
			Title:         row.Title,
			Author:        row.Author,
			ChannelID:     row.Ucid,
			Published:     row.Published,
			LengthSeconds: row.LengthSeconds,
			LiveNow:       row.LiveNow,
			PremiereAt:    row.PremiereTimestamp,
		})
	}
	return videos, nil
}

// GetMaxPublishedTimestamp returns max(published) across the channels, used
// by the watcher quick-check to skip full listing queries. The zero time
// means no videos exist for any of the channels.
func (r *Reader) GetMaxPublishedTimestamp(ctx context.Context, channelIDs []string) (time.Time, error) {
	if len(channelIDs) == 0 {
		return time.Time{}, nil
	}

	var row struct {
		MaxPublished *time.Time
	}
	err := r.db.WithContext(ctx).Raw(`
		SELECT max(published) AS max_published
		FROM channel_videos
		WHERE ucid IN ?`, channelIDs).Scan(&row).Error
	if err != nil {
		return time.Time{}, fmt.Errorf("querying max published timestamp: %w", err)
	}
	if row.MaxPublished == nil {
		return time.Time{}, nil
	}
	return *row.MaxPublished, nil
}

// HasUserWatchedVideo reports membership of the video in the user's watched
// set. A missing user counts as not-watched.
func (r *Reader) HasUserWatchedVideo(ctx context.Context, userEmail, videoID string) (bool, error) {
	var watched bool
	err := r.db.WithContext(ctx).Raw(`
		SELECT EXISTS (
			SELECT 1 FROM users WHERE email = ? AND ? = ANY(watched)
		)`, userEmail, videoID).Scan(&watched).Error
	if err != nil {
		return false, fmt.Errorf("querying watched state for %s/%s: %w", userEmail, videoID, err)
	}
	return watched, nil
}

// GetUsersSubscribedToChannel returns the emails of every user subscribed to
// the channel. The watcher uses it to resolve ownership for enqueued videos.
func (r *Reader) GetUsersSubscribedToChannel(ctx context.Context, channelID string) ([]string, error) {
	var emails []string
	err := r.db.WithContext(ctx).Raw(`
		SELECT email FROM users WHERE ? = ANY(subscriptions) ORDER BY email`,
		channelID).Scan(&emails).Error
	if err != nil {
		return nil, fmt.Errorf("querying subscribers of %s: %w", channelID, err)
	}
	return emails, nil
}
