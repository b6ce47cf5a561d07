package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for conversations, turns,
// feedback, and FAQ references.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "luluchat.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in
// ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Conversations ---

// CreateConversation inserts a new empty conversation and returns it.
func (s *Store) CreateConversation() (Conversation, error) {
	c := Conversation{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, correlation_id, title, created_at)
		VALUES (?, '', '', ?)`,
		c.ID, c.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *Store) GetConversation(id string) (Conversation, error) {
	var c Conversation
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, correlation_id, title, created_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.CorrelationID, &c.Title, &createdAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

// ListConversations returns all conversations newest-first, each with the
// text of its first user turn as a preview.
func (s *Store) ListConversations() ([]ConversationPreview, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.correlation_id, c.title, c.created_at,
			COALESCE((
				SELECT t.text FROM turns t
				WHERE t.conversation_id = c.id AND t.role = 'user'
				ORDER BY t.created_at ASC, t.rowid ASC LIMIT 1
			), '')
		FROM conversations c
		ORDER BY c.created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ConversationPreview
	for rows.Next() {
		var p ConversationPreview
		var createdAt string
		if err := rows.Scan(&p.ID, &p.CorrelationID, &p.Title, &createdAt, &p.Preview); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// RenameConversation sets the title unconditionally.
func (s *Store) RenameConversation(id, title string) error {
	res, err := s.db.Exec(`UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetTitleIfEmpty sets the title only when no title has been assigned yet.
// Returns true when this call assigned the title.
func (s *Store) SetTitleIfEmpty(id, title string) (bool, error) {
	res, err := s.db.Exec(`UPDATE conversations SET title = ? WHERE id = ? AND title = ''`, title, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetCorrelationID records the upstream correlation id, first-write-wins.
// A conversation that already has one is left untouched.
func (s *Store) SetCorrelationID(id, correlationID string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE conversations SET correlation_id = ?
		WHERE id = ? AND correlation_id = ''`,
		correlationID, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeleteConversation(id string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- Turns ---

// AppendTurn appends a turn to a conversation and returns the stored record.
func (s *Store) AppendTurn(conversationID, role, text string) (Turn, error) {
	t := Turn{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO turns (id, conversation_id, role, text, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.ConversationID, t.Role, t.Text, t.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Turn{}, err
	}
	return t, nil
}

// ListTurns returns a conversation's turns in append order.
func (s *Store) ListTurns(conversationID string) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, text, created_at
		FROM turns WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// LatestBotTurn returns the most recent bot turn of a conversation.
func (s *Store) LatestBotTurn(conversationID string) (Turn, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, role, text, created_at
		FROM turns WHERE conversation_id = ? AND role = 'bot'
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, conversationID,
	)
	t, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return Turn{}, ErrNotFound
	}
	return t, err
}

// GetTurn returns a single turn by id.
func (s *Store) GetTurn(id string) (Turn, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, role, text, created_at
		FROM turns WHERE id = ?`, id,
	)
	t, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return Turn{}, ErrNotFound
	}
	return t, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(r rowScanner) (Turn, error) {
	var t Turn
	var createdAt string
	if err := r.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Text, &createdAt); err != nil {
		return Turn{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Turn{}, fmt.Errorf("parsing created_at: %w", err)
	}
	t.CreatedAt = ts
	return t, nil
}

// --- Feedback ---

// ToggleFeedback applies the like/dislike toggle semantics for a bot turn:
// no existing feedback creates one, the same type again removes it, a
// different type updates it in place. The returned action is one of
// FeedbackCreated, FeedbackUpdated, FeedbackRemoved.
func (s *Store) ToggleFeedback(conversationID, turnID, feedbackType string) (string, error) {
	if feedbackType != FeedbackLike && feedbackType != FeedbackDislike {
		return "", fmt.Errorf("invalid feedback type %q", feedbackType)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning feedback transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID, existingType string
	err = tx.QueryRow(`SELECT id, type FROM feedback WHERE turn_id = ?`, turnID).
		Scan(&existingID, &existingType)

	var action string
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO feedback (id, turn_id, conversation_id, type, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			uuid.New().String(), turnID, conversationID, feedbackType,
			time.Now().UTC().Format(time.RFC3339),
		)
		action = FeedbackCreated
	case err != nil:
		return "", err
	case existingType == feedbackType:
		_, err = tx.Exec(`DELETE FROM feedback WHERE id = ?`, existingID)
		action = FeedbackRemoved
	default:
		_, err = tx.Exec(`UPDATE feedback SET type = ? WHERE id = ?`, feedbackType, existingID)
		action = FeedbackUpdated
	}
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing feedback: %w", err)
	}
	return action, nil
}

// FeedbackState returns turn id -> feedback type for all bot turns of a
// conversation that carry feedback.
func (s *Store) FeedbackState(conversationID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT turn_id, type FROM feedback WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	state := make(map[string]string)
	for rows.Next() {
		var turnID, feedbackType string
		if err := rows.Scan(&turnID, &feedbackType); err != nil {
			return nil, err
		}
		state[turnID] = feedbackType
	}
	return state, rows.Err()
}

// --- Attachments ---

// SaveAttachment stores an uploaded file's extracted text and returns the
// record carrying the id chat requests reference it by.
func (s *Store) SaveAttachment(filename, text string) (Attachment, error) {
	a := Attachment{
		ID:        uuid.New().String(),
		Filename:  filename,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO attachments (id, filename, text, created_at)
		VALUES (?, ?, ?, ?)`,
		a.ID, a.Filename, a.Text, a.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Attachment{}, err
	}
	return a, nil
}

// GetAttachment returns an attachment by id.
func (s *Store) GetAttachment(id string) (Attachment, error) {
	var a Attachment
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, filename, text, created_at
		FROM attachments WHERE id = ?`, id,
	).Scan(&a.ID, &a.Filename, &a.Text, &createdAt)
	if err == sql.ErrNoRows {
		return Attachment{}, ErrNotFound
	}
	if err != nil {
		return Attachment{}, err
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Attachment{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return a, nil
}

// --- FAQ references ---

// AddFAQ promotes a conversation into the FAQ list. The operation is
// idempotent: promoting an already-promoted conversation returns the existing
// reference with created=false.
func (s *Store) AddFAQ(conversationID string) (FAQRef, bool, error) {
	if _, err := s.GetConversation(conversationID); err != nil {
		return FAQRef{}, false, err
	}

	var existingID, promotedAt string
	err := s.db.QueryRow(`SELECT id, created_at FROM faq_refs WHERE conversation_id = ?`, conversationID).
		Scan(&existingID, &promotedAt)
	if err == nil {
		ref := FAQRef{ID: existingID, ConversationID: conversationID}
		if ref.PromotedAt, err = time.Parse(time.RFC3339, promotedAt); err != nil {
			return FAQRef{}, false, fmt.Errorf("parsing created_at: %w", err)
		}
		return ref, false, nil
	}
	if err != sql.ErrNoRows {
		return FAQRef{}, false, err
	}

	ref := FAQRef{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		PromotedAt:     time.Now().UTC(),
	}
	_, err = s.db.Exec(`
		INSERT INTO faq_refs (id, conversation_id, created_at)
		VALUES (?, ?, ?)`,
		ref.ID, ref.ConversationID, ref.PromotedAt.Format(time.RFC3339),
	)
	if err != nil {
		return FAQRef{}, false, err
	}
	return ref, true, nil
}

// RemoveFAQ deletes an FAQ reference by its own id. The conversation itself
// is untouched and reappears in the regular session list.
func (s *Store) RemoveFAQ(id string) error {
	res, err := s.db.Exec(`DELETE FROM faq_refs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetFAQ returns an FAQ reference by id.
func (s *Store) GetFAQ(id string) (FAQRef, error) {
	var ref FAQRef
	var promotedAt string
	err := s.db.QueryRow(`SELECT id, conversation_id, created_at FROM faq_refs WHERE id = ?`, id).
		Scan(&ref.ID, &ref.ConversationID, &promotedAt)
	if err == sql.ErrNoRows {
		return FAQRef{}, ErrNotFound
	}
	if err != nil {
		return FAQRef{}, err
	}
	if ref.PromotedAt, err = time.Parse(time.RFC3339, promotedAt); err != nil {
		return FAQRef{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return ref, nil
}

// IsInFAQ reports whether a conversation has been promoted.
func (s *Store) IsInFAQ(conversationID string) (bool, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM faq_refs WHERE conversation_id = ?`, conversationID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListFAQ returns all FAQ references newest-first, joined with the
// conversation title, creation time, and first-user-turn preview.
func (s *Store) ListFAQ() ([]FAQRef, error) {
	rows, err := s.db.Query(`
		SELECT f.id, f.conversation_id, f.created_at, c.title, c.created_at,
			COALESCE((
				SELECT t.text FROM turns t
				WHERE t.conversation_id = c.id AND t.role = 'user'
				ORDER BY t.created_at ASC, t.rowid ASC LIMIT 1
			), '')
		FROM faq_refs f
		JOIN conversations c ON c.id = f.conversation_id
		ORDER BY f.created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FAQRef
	for rows.Next() {
		var ref FAQRef
		var promotedAt, createdAt string
		if err := rows.Scan(&ref.ID, &ref.ConversationID, &promotedAt, &ref.Title, &createdAt, &ref.Preview); err != nil {
			return nil, err
		}
		if ref.PromotedAt, err = time.Parse(time.RFC3339, promotedAt); err != nil {
			return nil, fmt.Errorf("parsing faq created_at: %w", err)
		}
		if ref.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing conversation created_at: %w", err)
		}
		results = append(results, ref)
	}
	return results, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
