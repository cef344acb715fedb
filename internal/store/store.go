package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/examroom/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db      *sql.DB
	watches *hub
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, watches: newHub()}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.watches.closeAll()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS exams (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		name TEXT NOT NULL,
		instructions TEXT NOT NULL DEFAULT '',
		start_date DATETIME NOT NULL,
		due_date DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		questions TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS exams_subject ON exams(subject_id);

	CREATE TABLE IF NOT EXISTS user_exams (
		exam_id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL DEFAULT '',
		doc TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateExam stores an exam definition, assigning an ID when it has none.
func (s *Store) CreateExam(def model.ExamDefinition) (string, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}
	questions, err := model.MarshalQuestions(def.Questions)
	if err != nil {
		return "", fmt.Errorf("encode questions: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO exams (id, subject_id, name, instructions, start_date, due_date, created_at, questions)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.SubjectID, def.Name, def.Instructions, def.StartDate.UTC(), def.DueDate.UTC(), def.CreatedAt.UTC(), string(questions),
	)
	if err != nil {
		return "", err
	}
	return def.ID, nil
}

// GetExam returns an exam by ID, or nil if it does not exist.
func (s *Store) GetExam(id string) (*model.ExamDefinition, error) {
	row := s.db.QueryRow(
		`SELECT id, subject_id, name, instructions, start_date, due_date, created_at, questions
		 FROM exams WHERE id = ?`, id,
	)
	def, err := scanExam(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

// ListExamsBySubject returns a subject's exams, newest first.
func (s *Store) ListExamsBySubject(subjectID string) ([]model.ExamDefinition, error) {
	rows, err := s.db.Query(
		`SELECT id, subject_id, name, instructions, start_date, due_date, created_at, questions
		 FROM exams WHERE subject_id = ? ORDER BY created_at DESC`, subjectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.ExamDefinition
	for rows.Next() {
		def, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, *def)
	}
	return exams, rows.Err()
}

// ExamCount returns the number of exams in the database.
func (s *Store) ExamCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM exams`).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExam(sc scanner) (*model.ExamDefinition, error) {
	var def model.ExamDefinition
	var questions string
	if err := sc.Scan(&def.ID, &def.SubjectID, &def.Name, &def.Instructions,
		&def.StartDate, &def.DueDate, &def.CreatedAt, &questions); err != nil {
		return nil, err
	}
	qs, err := model.UnmarshalQuestions([]byte(questions))
	if err != nil {
		return nil, fmt.Errorf("decode questions of exam %s: %w", def.ID, err)
	}
	def.Questions = qs
	return &def, nil
}
