package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"learnloop/pkg/domain"
)

const migrateLockID int64 = 51804417

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreFromDB wraps an already opened connection without migrating.
func NewGormStoreFromDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&SessionModel{}, &MessageModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// One session per (user, anchor) except general chats. Resolve relies on
	// this index to turn a concurrent double-insert into ErrDuplicateAnchor.
	if err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_chat_sessions_anchor
		ON chat_sessions (user_id, anchor_type, anchor_id)
		WHERE anchor_type <> 'general'
	`).Error; err != nil {
		return fmt.Errorf("ensure anchor unique index: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			DELETE FROM chat_messages m
			WHERE NOT EXISTS (SELECT 1 FROM chat_sessions s WHERE s.id = m.session_id);
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'chat_messages'
				AND constraint_name = 'chat_messages_session_id_fkey'
			) THEN
				ALTER TABLE chat_messages
				ADD CONSTRAINT chat_messages_session_id_fkey
				FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure session foreign key: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateSession inserts a session. A unique-index hit on the anchor triple is
// reported as ErrDuplicateAnchor.
func (s *GormStore) CreateSession(ctx context.Context, session domain.Session) error {
	model := sessionToModel(session)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateAnchor
		}
		return err
	}
	return nil
}

// GetSession returns one session by ID.
func (s *GormStore) GetSession(ctx context.Context, id string) (domain.Session, bool, error) {
	var model SessionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, err
	}
	return sessionFromModel(model), true, nil
}

// FindSessionByAnchor looks up the single session bound to a non-general anchor.
func (s *GormStore) FindSessionByAnchor(ctx context.Context, userID string, anchor domain.Anchor) (domain.Session, bool, error) {
	if anchor.Type == domain.AnchorGeneral {
		return domain.Session{}, false, nil
	}
	var model SessionModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND anchor_type = ? AND anchor_id = ?", userID, string(anchor.Type), anchor.ID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, err
	}
	return sessionFromModel(model), true, nil
}

// ListSessionsByUser returns the latest sessions of a user.
func (s *GormStore) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []SessionModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("updated_at DESC").
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Session, 0, len(models))
	for _, model := range models {
		items = append(items, sessionFromModel(model))
	}
	return items, nil
}

// UpdateSessionTitle replaces the title of a session.
func (s *GormStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&SessionModel{}).Where("id = ?", id).
		Updates(map[string]any{
			"title":      title,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// TouchSession refreshes updated_at and increments advisory counters.
func (s *GormStore) TouchSession(ctx context.Context, id string, tokens, words int, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	return s.db.WithContext(ctx).Model(&SessionModel{}).Where("id = ?", id).
		Updates(map[string]any{
			"updated_at":  at.UTC(),
			"token_count": gorm.Expr("token_count + ?", tokens),
			"word_count":  gorm.Expr("word_count + ?", words),
		}).Error
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.WithContext(ctx).Create(&model).Error
}

// AppendExchange inserts both turns in one statement, user row first so seq
// keeps their order.
func (s *GormStore) AppendExchange(ctx context.Context, user, assistant domain.Message) error {
	models := []MessageModel{messageToModel(user), messageToModel(assistant)}
	return s.db.WithContext(ctx).Create(&models).Error
}

// ListMessages returns all messages of a session, oldest first. Rows with the
// same created_at keep insertion order through seq.
func (s *GormStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

func sessionToModel(session domain.Session) SessionModel {
	var anchorID *string
	if session.AnchorType != domain.AnchorGeneral && strings.TrimSpace(session.AnchorID) != "" {
		value := strings.TrimSpace(session.AnchorID)
		anchorID = &value
	}
	return SessionModel{
		ID:         session.ID,
		UserID:     session.UserID,
		AnchorType: string(session.AnchorType),
		AnchorID:   anchorID,
		Title:      session.Title,
		TokenCount: session.TokenCount,
		WordCount:  session.WordCount,
		CreatedAt:  session.CreatedAt,
		UpdatedAt:  session.UpdatedAt,
	}
}

func sessionFromModel(m SessionModel) domain.Session {
	anchorID := ""
	if m.AnchorID != nil {
		anchorID = *m.AnchorID
	}
	return domain.Session{
		ID:         m.ID,
		UserID:     m.UserID,
		AnchorType: domain.AnchorType(m.AnchorType),
		AnchorID:   anchorID,
		Title:      m.Title,
		TokenCount: m.TokenCount,
		WordCount:  m.WordCount,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	var meta []byte
	if len(msg.Meta) > 0 {
		meta, _ = json.Marshal(msg.Meta)
	}
	return MessageModel{
		ID:         msg.ID,
		SessionID:  msg.SessionID,
		Sender:     string(msg.Sender),
		Content:    msg.Content,
		TokenCount: msg.TokenCount,
		Meta:       meta,
		CreatedAt:  msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	var meta map[string]string
	if len(m.Meta) > 0 {
		_ = json.Unmarshal(m.Meta, &meta)
	}
	return domain.Message{
		ID:         m.ID,
		SessionID:  m.SessionID,
		Sender:     domain.Sender(m.Sender),
		Content:    m.Content,
		TokenCount: m.TokenCount,
		Meta:       meta,
		CreatedAt:  m.CreatedAt,
	}
}
