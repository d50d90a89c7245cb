package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/mmuslimabdulj/shipper-chat/internal/domain"
)

// SQLite persists users, sessions, messages, reactions and read markers in a
// single SQLite database. It is the sole source of truth for chat state: the
// realtime layer re-checks membership here on every event instead of caching.
type SQLite struct {
	db          *sql.DB
	aiUserEmail string
}

// Open opens (and migrates) the database at path. Use ":memory:" for tests.
func Open(path, aiUserEmail string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	if aiUserEmail == "" {
		aiUserEmail = "ai@local"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Serialize access through one connection: keeps SQLITE_BUSY away and an
	// in-memory database from evaporating between pool connections.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, aiUserEmail: aiUserEmail}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL DEFAULT '',
			image      TEXT NOT NULL DEFAULT '',
			bio        TEXT NOT NULL DEFAULT '',
			password   TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			user_id      TEXT NOT NULL REFERENCES users(id),
			session_id   TEXT NOT NULL REFERENCES sessions(id),
			last_read_at INTEGER,
			PRIMARY KEY (user_id, session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			sender_id  TEXT NOT NULL REFERENCES users(id),
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS reactions (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL REFERENCES users(id),
			emoji      TEXT NOT NULL,
			PRIMARY KEY (message_id, user_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ==== Users ====

// CreateUser inserts a new account. passwordHash must already be a bcrypt hash.
func (s *SQLite) CreateUser(ctx context.Context, email, name, image, passwordHash string) (*domain.User, error) {
	u := &domain.User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		Image:     image,
		Password:  passwordHash,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, image, bio, password, created_at) VALUES (?, ?, ?, ?, '', ?, ?)`,
		u.ID, u.Email, u.Name, u.Image, u.Password, u.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// UserByEmail looks up an account by email.
func (s *SQLite) UserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, image, bio, password, created_at FROM users WHERE email = ?`, email))
}

// UserByID looks up an account by id.
func (s *SQLite) UserByID(ctx context.Context, id string) (*domain.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, image, bio, password, created_at FROM users WHERE id = ?`, id))
}

// ListUsers returns every account except excludeID, ordered by name then email.
func (s *SQLite) ListUsers(ctx context.Context, excludeID string) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, name, image, bio, password, created_at FROM users
		 WHERE id != ? ORDER BY name, email`, excludeID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := s.scanUserRows(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// EnsureAssistantUser returns the well-known assistant account, creating it
// lazily on first use with an unguessable password.
func (s *SQLite) EnsureAssistantUser(ctx context.Context) (*domain.User, error) {
	u, err := s.UserByEmail(ctx, s.aiUserEmail)
	if err == nil {
		return u, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("ai-"+uuid.New().String()), 10)
	if err != nil {
		return nil, fmt.Errorf("hash assistant password: %w", err)
	}
	return s.CreateUser(ctx, s.aiUserEmail, "AI", "", string(hash))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) scanUser(row rowScanner) (*domain.User, error) {
	return s.scanUserRows(row)
}

func (s *SQLite) scanUserRows(row rowScanner) (*domain.User, error) {
	var u domain.User
	var createdAt int64
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Image, &u.Bio, &u.Password, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = time.Unix(0, createdAt).UTC()
	return &u, nil
}

// ==== Sessions ====

// IsParticipant reports whether userID is a member of sessionID. This is the
// membership check behind every sensitive realtime operation; it is always a
// fresh read, never cached.
func (s *SQLite) IsParticipant(ctx context.Context, userID, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM participants WHERE user_id = ? AND session_id = ?`, userID, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("membership check: %w", err)
	}
	return true, nil
}

// SessionType returns the session's type discriminator.
func (s *SQLite) SessionType(ctx context.Context, sessionID string) (domain.SessionType, error) {
	var t string
	err := s.db.QueryRowContext(ctx, `SELECT type FROM sessions WHERE id = ?`, sessionID).Scan(&t)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("session type: %w", err)
	}
	return domain.SessionType(t), nil
}

// FindOrCreateDirectSession returns the existing two-party direct session
// between the two users, creating it when absent.
func (s *SQLite) FindOrCreateDirectSession(ctx context.Context, userID, otherUserID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id FROM sessions s
		 JOIN participants p1 ON p1.session_id = s.id AND p1.user_id = ?
		 JOIN participants p2 ON p2.session_id = s.id AND p2.user_id = ?
		 WHERE s.type = ?
		 ORDER BY s.created_at DESC LIMIT 1`,
		userID, otherUserID, string(domain.SessionDirect)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("find direct session: %w", err)
	}
	return s.createSession(ctx, domain.SessionDirect, userID, otherUserID)
}

// FindOrCreateAISession returns the user's session with the assistant,
// creating both lazily when absent.
func (s *SQLite) FindOrCreateAISession(ctx context.Context, userID string) (string, error) {
	ai, err := s.EnsureAssistantUser(ctx)
	if err != nil {
		return "", err
	}
	var id string
	err = s.db.QueryRowContext(ctx,
		`SELECT s.id FROM sessions s
		 JOIN participants p1 ON p1.session_id = s.id AND p1.user_id = ?
		 JOIN participants p2 ON p2.session_id = s.id AND p2.user_id = ?
		 WHERE s.type = ?
		 ORDER BY s.created_at DESC LIMIT 1`,
		userID, ai.ID, string(domain.SessionAI)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("find ai session: %w", err)
	}
	return s.createSession(ctx, domain.SessionAI, userID, ai.ID)
}

func (s *SQLite) createSession(ctx context.Context, typ domain.SessionType, memberIDs ...string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New().String()
	now := time.Now().UTC().UnixNano()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, type, created_at) VALUES (?, ?, ?)`, id, string(typ), now); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	for _, uid := range memberIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO participants (user_id, session_id) VALUES (?, ?)`, uid, id); err != nil {
			return "", fmt.Errorf("create session participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// DirectSessions lists the user's direct sessions with the peer's user id,
// newest first. Sessions that do not have exactly one other participant are
// skipped.
func (s *SQLite) DirectSessions(ctx context.Context, userID string) ([]SessionPeer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, p2.user_id FROM sessions s
		 JOIN participants p1 ON p1.session_id = s.id AND p1.user_id = ?
		 JOIN participants p2 ON p2.session_id = s.id AND p2.user_id != ?
		 WHERE s.type = ?
		 ORDER BY s.created_at DESC`,
		userID, userID, string(domain.SessionDirect))
	if err != nil {
		return nil, fmt.Errorf("list direct sessions: %w", err)
	}
	defer rows.Close()

	out := []SessionPeer{}
	for rows.Next() {
		var sp SessionPeer
		if err := rows.Scan(&sp.SessionID, &sp.UserID); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// SessionParticipants returns the users in a session.
func (s *SQLite) SessionParticipants(ctx context.Context, sessionID string) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.email, u.name, u.image, u.bio, u.password, u.created_at
		 FROM participants p JOIN users u ON u.id = p.user_id
		 WHERE p.session_id = ? ORDER BY u.email`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session participants: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := s.scanUserRows(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// MarkRead records the reader's last-read pointer for a session. The realtime
// broadcast does not wait on this write.
func (s *SQLite) MarkRead(ctx context.Context, userID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE participants SET last_read_at = ? WHERE user_id = ? AND session_id = ?`,
		time.Now().UTC().UnixNano(), userID, sessionID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// ==== Messages ====

// CreateMessage persists a message and returns it with the sender attached.
func (s *SQLite) CreateMessage(ctx context.Context, sessionID, senderID string, role domain.Role, content string) (*domain.Message, error) {
	sender, err := s.UserByID(ctx, senderID)
	if err != nil {
		return nil, err
	}
	m := &domain.Message{
		ID:        uuid.New().String(),
		Content:   content,
		Role:      role,
		SenderID:  senderID,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
		Sender:    sender.Ref(),
		Reactions: []domain.ReactionCount{},
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, sender_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.SenderID, string(m.Role), m.Content, m.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return m, nil
}

// MessageMeta fetches the fields needed to authorize an action on a message.
func (s *SQLite) MessageMeta(ctx context.Context, messageID string) (*MessageMeta, error) {
	var m MessageMeta
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, sender_id FROM messages WHERE id = ?`, messageID).
		Scan(&m.ID, &m.SessionID, &m.SenderID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message meta: %w", err)
	}
	return &m, nil
}

// DeleteMessage removes a message and its reactions.
func (s *SQLite) DeleteMessage(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reactions WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete reactions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SessionMessages returns all messages in a session in chronological order
// with reaction summaries attached.
func (s *SQLite) SessionMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.session_id, m.sender_id, m.role, m.content, m.created_at,
		        u.id, u.name, u.email, u.image
		 FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.session_id = ?
		 ORDER BY m.created_at, m.id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session messages: %w", err)
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Role, &m.Content, &createdAt,
			&m.Sender.ID, &m.Sender.Name, &m.Sender.Email, &m.Sender.Image); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		m.Reactions = []domain.ReactionCount{}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range msgs {
		summary, err := s.ReactionSummary(ctx, msgs[i].ID)
		if err != nil {
			return nil, err
		}
		msgs[i].Reactions = summary
	}
	return msgs, nil
}

// RecentTurns returns the most recent limit messages of a session as
// role/content turns in chronological order, for assistant context.
func (s *SQLite) RecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.ChatTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM messages WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.ChatTurn
	for rows.Next() {
		var t domain.ChatTurn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Query returned newest first; callers want chronological.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// FilterSessionMessageIDs returns the subset of ids that exist and belong to
// the session, dropping unknown or foreign ids silently.
func (s *SQLite) FilterSessionMessageIDs(ctx context.Context, sessionID string, ids []string) ([]string, error) {
	valid := []string{}
	for _, id := range ids {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM messages WHERE id = ? AND session_id = ?`, id, sessionID).Scan(&one)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("filter message ids: %w", err)
		}
		valid = append(valid, id)
	}
	return valid, nil
}

// ==== Reactions ====

// ToggleReaction applies the one-reaction-per-user rule: same emoji removes
// it, a different emoji replaces it, none adds it.
func (s *SQLite) ToggleReaction(ctx context.Context, messageID, userID, emoji string) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT emoji FROM reactions WHERE message_id = ? AND user_id = ?`, messageID, userID).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO reactions (message_id, user_id, emoji) VALUES (?, ?, ?)`, messageID, userID, emoji)
	case err != nil:
		return fmt.Errorf("toggle reaction: %w", err)
	case current == emoji:
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM reactions WHERE message_id = ? AND user_id = ?`, messageID, userID)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE reactions SET emoji = ? WHERE message_id = ? AND user_id = ?`, emoji, messageID, userID)
	}
	if err != nil {
		return fmt.Errorf("toggle reaction: %w", err)
	}
	return nil
}

// ReactionSummary groups a message's reactions by emoji, sorted by descending
// count then emoji for deterministic rendering.
func (s *SQLite) ReactionSummary(ctx context.Context, messageID string) ([]domain.ReactionCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT emoji, COUNT(*) FROM reactions WHERE message_id = ?
		 GROUP BY emoji ORDER BY COUNT(*) DESC, emoji`, messageID)
	if err != nil {
		return nil, fmt.Errorf("reaction summary: %w", err)
	}
	defer rows.Close()

	out := []domain.ReactionCount{}
	for rows.Next() {
		var rc domain.ReactionCount
		if err := rows.Scan(&rc.Emoji, &rc.Count); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}
