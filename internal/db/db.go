// Package db is the server's sqlite persistence layer: conversations and
// their messages, the action records proposed by the agent, and the story
// entities the tools operate on. Plain functions over *sql.DB, no ORM.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS actions (
			id TEXT PRIMARY KEY,
			message_id INTEGER NOT NULL,
			conversation_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			preview TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			is_dangerous INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS characters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(project_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS outline_sections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			chapter INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			UNIQUE(project_id, chapter)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project_id, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_message ON actions(message_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(project_id, status);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return db, nil
}

type ConversationRow struct {
	ID           string
	ProjectID    string
	Title        string
	MessageCount int
	CreatedAt    int64
	UpdatedAt    int64
}

type MessageRow struct {
	ID      int64
	Role    string
	Content string
}

type ActionRow struct {
	ID             string
	MessageID      int64
	ConversationID string
	ProjectID      string
	ToolName       string
	Params         string // JSON object text
	Preview        string
	Status         string
	IsDangerous    bool
	Message        string
}

func CreateConversation(db *sql.DB, id, projectID, title string, nowUnix int64) error {
	_, err := db.Exec(
		"INSERT INTO conversations(id, project_id, title, created_at, updated_at) VALUES(?, ?, ?, ?, ?)",
		id, projectID, title, nowUnix, nowUnix,
	)
	return err
}

func TouchConversation(db *sql.DB, id string, nowUnix int64) error {
	_, err := db.Exec("UPDATE conversations SET updated_at = ? WHERE id = ?", nowUnix, id)
	return err
}

func GetConversation(db *sql.DB, id string) (ConversationRow, error) {
	var c ConversationRow
	err := db.QueryRow(
		"SELECT id, project_id, title, created_at, updated_at FROM conversations WHERE id = ?",
		id,
	).Scan(&c.ID, &c.ProjectID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func ListConversations(db *sql.DB, projectID string) ([]ConversationRow, error) {
	rows, err := db.Query(
		`SELECT c.id, c.project_id, c.title, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c WHERE c.project_id = ? ORDER BY c.updated_at DESC`,
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []ConversationRow{}
	for rows.Next() {
		var c ConversationRow
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func InsertMessage(db *sql.DB, conversationID, role, content string, nowUnix int64) (int64, error) {
	res, err := db.Exec(
		"INSERT INTO messages(conversation_id, role, content, created_at) VALUES(?, ?, ?, ?)",
		conversationID, role, content, nowUnix,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func GetMessages(db *sql.DB, conversationID string) ([]MessageRow, error) {
	rows, err := db.Query(
		"SELECT id, role, content FROM messages WHERE conversation_id = ? ORDER BY id ASC",
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []MessageRow{}
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.ID, &m.Role, &m.Content); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// TruncateMessages deletes every message past the first keep, cascading to
// their action records, and returns the remaining count.
func TruncateMessages(db *sql.DB, conversationID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	_, err := db.Exec(
		`DELETE FROM messages WHERE conversation_id = ? AND id NOT IN (
			SELECT id FROM messages WHERE conversation_id = ? ORDER BY id ASC LIMIT ?
		)`,
		conversationID, conversationID, keep,
	)
	if err != nil {
		return 0, err
	}
	// The foreign_keys pragma is per-connection and the pool hands out fresh
	// ones, so drop orphaned action records explicitly.
	_, err = db.Exec(
		"DELETE FROM actions WHERE conversation_id = ? AND message_id NOT IN (SELECT id FROM messages WHERE conversation_id = ?)",
		conversationID, conversationID,
	)
	if err != nil {
		return 0, err
	}
	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&count)
	return count, err
}

func InsertAction(db *sql.DB, a ActionRow, conversationID, projectID string, nowUnix int64) error {
	_, err := db.Exec(
		`INSERT INTO actions(id, message_id, conversation_id, project_id, tool_name, params, preview, status, is_dangerous, message, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, conversationID, projectID, a.ToolName, a.Params, a.Preview, a.Status, a.IsDangerous, a.Message, nowUnix,
	)
	return err
}

func GetAction(db *sql.DB, id string) (ActionRow, error) {
	var a ActionRow
	err := db.QueryRow(
		"SELECT id, message_id, conversation_id, project_id, tool_name, params, preview, status, is_dangerous, message FROM actions WHERE id = ?",
		id,
	).Scan(&a.ID, &a.MessageID, &a.ConversationID, &a.ProjectID, &a.ToolName, &a.Params, &a.Preview, &a.Status, &a.IsDangerous, &a.Message)
	return a, err
}

func GetActionsForMessage(db *sql.DB, messageID int64) ([]ActionRow, error) {
	rows, err := db.Query(
		"SELECT id, message_id, tool_name, params, preview, status, is_dangerous, message FROM actions WHERE message_id = ? ORDER BY created_at ASC, id ASC",
		messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := []ActionRow{}
	for rows.Next() {
		var a ActionRow
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ToolName, &a.Params, &a.Preview, &a.Status, &a.IsDangerous, &a.Message); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return actions, nil
}

func UpdateActionStatus(db *sql.DB, id, status, message string) error {
	if message == "" {
		_, err := db.Exec("UPDATE actions SET status = ? WHERE id = ?", status, id)
		return err
	}
	_, err := db.Exec("UPDATE actions SET status = ?, message = ? WHERE id = ?", status, message, id)
	return err
}

type CharacterRow struct {
	ID          int64
	Name        string
	Description string
}

func ListCharacters(db *sql.DB, projectID string) ([]CharacterRow, error) {
	rows, err := db.Query(
		"SELECT id, name, description FROM characters WHERE project_id = ? ORDER BY name ASC",
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chars := []CharacterRow{}
	for rows.Next() {
		var c CharacterRow
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			return nil, err
		}
		chars = append(chars, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return chars, nil
}

func GetCharacter(db *sql.DB, projectID, name string) (CharacterRow, error) {
	var c CharacterRow
	err := db.QueryRow(
		"SELECT id, name, description FROM characters WHERE project_id = ? AND name = ?",
		projectID, name,
	).Scan(&c.ID, &c.Name, &c.Description)
	return c, err
}

func InsertCharacter(db *sql.DB, projectID, name, description string, nowUnix int64) error {
	_, err := db.Exec(
		"INSERT INTO characters(project_id, name, description, created_at, updated_at) VALUES(?, ?, ?, ?, ?)",
		projectID, name, description, nowUnix, nowUnix,
	)
	return err
}

func UpdateCharacter(db *sql.DB, projectID, name, description string, nowUnix int64) (bool, error) {
	res, err := db.Exec(
		"UPDATE characters SET description = ?, updated_at = ? WHERE project_id = ? AND name = ?",
		description, nowUnix, projectID, name,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func DeleteCharacter(db *sql.DB, projectID, name string) (bool, error) {
	res, err := db.Exec("DELETE FROM characters WHERE project_id = ? AND name = ?", projectID, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type OutlineSectionRow struct {
	Chapter int
	Title   string
	Summary string
}

func GetOutline(db *sql.DB, projectID string) ([]OutlineSectionRow, error) {
	rows, err := db.Query(
		"SELECT chapter, title, summary FROM outline_sections WHERE project_id = ? ORDER BY chapter ASC",
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sections := []OutlineSectionRow{}
	for rows.Next() {
		var s OutlineSectionRow
		if err := rows.Scan(&s.Chapter, &s.Title, &s.Summary); err != nil {
			return nil, err
		}
		sections = append(sections, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sections, nil
}

func UpsertOutlineSection(db *sql.DB, projectID string, chapter int, title, summary string) error {
	_, err := db.Exec(
		`INSERT INTO outline_sections(project_id, chapter, title, summary) VALUES(?, ?, ?, ?)
		ON CONFLICT(project_id, chapter) DO UPDATE SET title = excluded.title, summary = excluded.summary`,
		projectID, chapter, title, summary,
	)
	return err
}

// SearchStory does a plain substring search across characters and outline
// sections. Good enough for the agent's lookup tool; no FTS index.
func SearchStory(db *sql.DB, projectID, query string) ([]string, error) {
	like := "%" + query + "%"
	rows, err := db.Query(
		`SELECT 'character: ' || name || ' - ' || description FROM characters
			WHERE project_id = ? AND (name LIKE ? OR description LIKE ?)
		UNION ALL
		SELECT 'outline ch.' || chapter || ' ' || title || ': ' || summary FROM outline_sections
			WHERE project_id = ? AND (title LIKE ? OR summary LIKE ?)`,
		projectID, like, like, projectID, like, like,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		hits = append(hits, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hits, nil
}
