package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite. Writes go through a
// single-connection handle with immediate transactions; reads use a
// separate pool so they see WAL snapshots without blocking writers.
type SQLiteStore struct {
	writer *sql.DB
	reader *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	pragmas := "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"

	writer, err := sql.Open("sqlite", "file:"+dbPath+"?"+pragmas+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", "file:"+dbPath+"?"+pragmas)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open database reader: %w", err)
	}
	reader.SetMaxOpenConns(25)
	reader.SetMaxIdleConns(5)
	reader.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{writer: writer, reader: reader}
	if err := writer.Ping(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		name TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		user_nickname TEXT,
		user_vip INTEGER,
		agent_id TEXT,
		agent_name TEXT,
		conversation_ref TEXT NOT NULL DEFAULT '',
		esc_reason TEXT,
		esc_details TEXT,
		esc_severity TEXT,
		esc_triggered_at INTEGER,
		esc_updated_at INTEGER,
		message_count INTEGER NOT NULL DEFAULT 0,
		last_message_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_recent ON sessions(updated_at DESC, name ASC);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		session TEXT NOT NULL REFERENCES sessions(name),
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		ts INTEGER NOT NULL,
		agent_id TEXT,
		agent_name TEXT,
		PRIMARY KEY (session, seq)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_id ON messages(session, id);

	CREATE TABLE IF NOT EXISTS audit_entries (
		pos INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		version INTEGER NOT NULL,
		session TEXT NOT NULL REFERENCES sessions(name),
		kind TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		actor_name TEXT,
		at INTEGER NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT,
		severity TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_entries(session, pos);
	`
	if _, err := s.writer.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.reader.PingContext(ctx); err != nil {
		return domain.Unavailable("ping database", err)
	}
	return nil
}

// Close closes both database handles.
func (s *SQLiteStore) Close() error {
	werr := s.writer.Close()
	rerr := s.reader.Close()
	if err := errors.Join(werr, rerr); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// InTx runs fn in an immediate write transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	if err := fn(&sqliteTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storeErr("commit transaction", err)
	}
	return nil
}

// GetSession retrieves a session by name.
func (s *SQLiteStore) GetSession(ctx context.Context, name string) (*domain.Session, error) {
	return getSession(ctx, s.reader, name)
}

// ListSessions returns one page of sessions plus the total match count.
func (s *SQLiteStore) ListSessions(ctx context.Context, q SessionQuery) ([]*domain.Session, int, error) {
	where, args := sessionFilter(q)

	tx, err := s.reader.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, storeErr("begin read", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`+where, args...).Scan(&total); err != nil {
		return nil, 0, storeErr("count sessions", err)
	}

	pageArgs := append(append([]any{}, args...), q.Limit, q.Offset)
	sessions, err := querySessions(ctx, tx, sessionColumns+where+` ORDER BY updated_at DESC, name ASC LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// Snapshot reads a session, its messages and audit trail in one read
// transaction.
func (s *SQLiteStore) Snapshot(ctx context.Context, name string) (*Snapshot, error) {
	tx, err := s.reader.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin read", err)
	}
	defer func() { _ = tx.Rollback() }()

	session, err := getSession(ctx, tx, name)
	if err != nil || session == nil {
		return nil, err
	}
	messages, err := listMessages(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	audit, err := listAudit(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Session: session, Messages: messages, Audit: audit}, nil
}

// ListAudit returns a session's audit entries in write order.
func (s *SQLiteStore) ListAudit(ctx context.Context, name string) ([]*domain.AuditEntry, error) {
	return listAudit(ctx, s.reader, name)
}

// ListByStatus returns every session currently in status.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Session, error) {
	return querySessions(ctx, s.reader, sessionColumns+` WHERE status = ? ORDER BY name`, string(status))
}

// ListIdle returns sessions in status not updated since before.
func (s *SQLiteStore) ListIdle(ctx context.Context, status domain.Status, before time.Time) ([]*domain.Session, error) {
	return querySessions(ctx, s.reader, sessionColumns+` WHERE status = ? AND updated_at < ? ORDER BY updated_at`,
		string(status), before.UnixNano())
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetSession(ctx context.Context, name string) (*domain.Session, error) {
	return getSession(ctx, t.tx, name)
}

func (t *sqliteTx) PutSession(ctx context.Context, sess *domain.Session) error {
	args := sessionArgs(sess)
	if sess.Version == 0 {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sessions (
				name, status, user_nickname, user_vip, agent_id, agent_name, conversation_ref,
				esc_reason, esc_details, esc_severity, esc_triggered_at, esc_updated_at,
				message_count, last_message_at, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`, args...)
		if err != nil {
			if shared.IsUniqueViolation(err) {
				return fmt.Errorf("%w: session %q already exists", domain.ErrConflict, sess.Name)
			}
			return storeErr("insert session", err)
		}
		sess.Version = 1
		return nil
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, user_nickname = ?, user_vip = ?, agent_id = ?, agent_name = ?, conversation_ref = ?,
			esc_reason = ?, esc_details = ?, esc_severity = ?, esc_triggered_at = ?, esc_updated_at = ?,
			message_count = ?, last_message_at = ?, created_at = ?, updated_at = ?, version = version + 1
		WHERE name = ? AND version = ?`,
		append(args[1:], sess.Name, sess.Version)...)
	if err != nil {
		return storeErr("update session", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("get rows affected", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: session %q changed concurrently (expected version %d)", domain.ErrConflict, sess.Name, sess.Version)
	}
	sess.Version++
	return nil
}

func (t *sqliteTx) AppendMessage(ctx context.Context, m *domain.Message) error {
	var agentID, agentName any
	if m.Agent != nil {
		agentID, agentName = m.Agent.ID, m.Agent.Name
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO messages (session, seq, id, role, content, ts, agent_id, agent_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Session, m.Seq, m.ID, string(m.Role), m.Content, m.Timestamp.UnixNano(), agentID, agentName)
	if err != nil {
		return storeErr("append message", err)
	}
	return nil
}

func (t *sqliteTx) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO audit_entries (id, version, session, kind, actor_type, actor_id, actor_name, at, from_status, to_status, reason, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Version, e.Session, string(e.Kind), string(e.Actor.Type), nullString(e.Actor.ID), nullString(e.Actor.Name),
		e.At.UnixNano(), string(e.From), string(e.To), nullString(e.Reason), nullString(string(e.Severity)))
	if err != nil {
		return storeErr("append audit entry", err)
	}
	return nil
}

const sessionColumns = `
	SELECT name, status, user_nickname, user_vip, agent_id, agent_name, conversation_ref,
	       esc_reason, esc_details, esc_severity, esc_triggered_at, esc_updated_at,
	       message_count, last_message_at, created_at, updated_at, version
	FROM sessions`

func sessionFilter(q SessionQuery) (string, []any) {
	var clauses []string
	var args []any
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if q.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func sessionArgs(s *domain.Session) []any {
	var nickname, vip, agentID, agentName any
	if s.User != nil {
		nickname, vip = s.User.Nickname, s.User.VIP
	}
	if s.AssignedAgent != nil {
		agentID, agentName = s.AssignedAgent.ID, s.AssignedAgent.Name
	}
	var reason, details, severity, triggeredAt, escUpdatedAt any
	if e := s.Escalation; e != nil {
		reason, details, severity = e.Reason, e.Details, string(e.Severity)
		triggeredAt, escUpdatedAt = e.TriggeredAt.UnixNano(), e.UpdatedAt.UnixNano()
	}
	return []any{
		s.Name, string(s.Status), nickname, vip, agentID, agentName, s.ConversationRef,
		reason, details, severity, triggeredAt, escUpdatedAt,
		s.MessageCount, unixNano(s.LastMessageAt), s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano(),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var status string
	var nickname, agentID, agentName sql.NullString
	var vip sql.NullBool
	var reason, details, severity sql.NullString
	var triggeredAt, escUpdatedAt sql.NullInt64
	var lastMessageAt, createdAt, updatedAt int64

	err := row.Scan(
		&s.Name, &status, &nickname, &vip, &agentID, &agentName, &s.ConversationRef,
		&reason, &details, &severity, &triggeredAt, &escUpdatedAt,
		&s.MessageCount, &lastMessageAt, &createdAt, &updatedAt, &s.Version,
	)
	if err != nil {
		return nil, err
	}

	s.Status = domain.Status(status)
	if nickname.Valid || vip.Valid {
		s.User = &domain.UserProfile{Nickname: nickname.String, VIP: vip.Bool}
	}
	if agentID.Valid {
		s.AssignedAgent = &domain.Agent{ID: agentID.String, Name: agentName.String}
	}
	if reason.Valid {
		s.Escalation = &domain.Escalation{
			Reason:      reason.String,
			Details:     details.String,
			Severity:    domain.Severity(severity.String),
			TriggeredAt: time.Unix(0, triggeredAt.Int64).UTC(),
			UpdatedAt:   time.Unix(0, escUpdatedAt.Int64).UTC(),
		}
	}
	s.LastMessageAt = fromUnixNano(lastMessageAt)
	s.CreatedAt = time.Unix(0, createdAt).UTC()
	s.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &s, nil
}

func getSession(ctx context.Context, q queryer, name string) (*domain.Session, error) {
	s, err := scanSession(q.QueryRowContext(ctx, sessionColumns+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("scan session row", err)
	}
	return s, nil
}

func querySessions(ctx context.Context, q queryer, query string, args ...any) ([]*domain.Session, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query sessions", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	sessions := []*domain.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session row", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate sessions", err)
	}
	return sessions, nil
}

func listMessages(ctx context.Context, q queryer, name string) ([]*domain.Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, id, role, content, ts, agent_id, agent_name
		FROM messages WHERE session = ? ORDER BY seq`, name)
	if err != nil {
		return nil, storeErr("query messages", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := []*domain.Message{}
	for rows.Next() {
		m := domain.Message{Session: name}
		var role string
		var ts int64
		var agentID, agentName sql.NullString
		if err := rows.Scan(&m.Seq, &m.ID, &role, &m.Content, &ts, &agentID, &agentName); err != nil {
			return nil, storeErr("scan message row", err)
		}
		m.Role = domain.Role(role)
		m.Timestamp = time.Unix(0, ts).UTC()
		if agentID.Valid {
			m.Agent = &domain.Agent{ID: agentID.String, Name: agentName.String}
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate messages", err)
	}
	return messages, nil
}

func listAudit(ctx context.Context, q queryer, name string) ([]*domain.AuditEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, version, kind, actor_type, actor_id, actor_name, at, from_status, to_status, reason, severity
		FROM audit_entries WHERE session = ? ORDER BY pos`, name)
	if err != nil {
		return nil, storeErr("query audit entries", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close audit rows", "error", closeErr)
		}
	}()

	entries := []*domain.AuditEntry{}
	for rows.Next() {
		e := domain.AuditEntry{Session: name}
		var kind, actorType, from, to string
		var actorID, actorName, reason, severity sql.NullString
		var at int64
		if err := rows.Scan(&e.ID, &e.Version, &kind, &actorType, &actorID, &actorName, &at, &from, &to, &reason, &severity); err != nil {
			return nil, storeErr("scan audit row", err)
		}
		e.Kind = domain.AuditKind(kind)
		e.Actor = domain.Actor{Type: domain.ActorType(actorType), ID: actorID.String, Name: actorName.String}
		e.At = time.Unix(0, at).UTC()
		e.From, e.To = domain.Status(from), domain.Status(to)
		e.Reason, e.Severity = reason.String, domain.Severity(severity.String)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate audit entries", err)
	}
	return entries, nil
}

// storeErr tags a database failure as unavailable, logging lock
// contention so operators can tell it apart from hard failures.
func storeErr(op string, err error) error {
	if shared.IsSQLiteConflictError(err) {
		slog.Warn("SQLite contention", "op", op, "error", err)
	}
	return domain.Unavailable(op, err)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
