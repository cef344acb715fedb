package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/examroom/internal/model"
)

// ErrVersionConflict is returned by PutSubmissionTree when the stored version
// is not the one the caller read.
var ErrVersionConflict = errors.New("submission tree version conflict")

// GetSubmissionTree returns the submission document of an exam, or nil if
// nobody has submitted yet.
func (s *Store) GetSubmissionTree(examID string) (*model.SubmissionTree, error) {
	var doc string
	var version int64
	err := s.db.QueryRow(
		`SELECT doc, version FROM user_exams WHERE exam_id = ?`, examID,
	).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tree, err := decodeTree(examID, doc, version)
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// PutSubmissionTree writes tree if the stored version still equals
// expectedVersion. An expectedVersion of 0 means the tree must not exist yet.
// On success tree.Version holds the new version.
func (s *Store) PutSubmissionTree(tree *model.SubmissionTree, expectedVersion int64) error {
	doc, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode submission tree %s: %w", tree.ExamID, err)
	}
	next := expectedVersion + 1

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.Exec(
			`INSERT INTO user_exams (exam_id, subject_id, doc, version) VALUES (?, ?, ?, ?)
			 ON CONFLICT(exam_id) DO NOTHING`,
			tree.ExamID, tree.SubjectID, string(doc), next,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE user_exams SET subject_id = ?, doc = ?, version = ?
			 WHERE exam_id = ? AND version = ?`,
			tree.SubjectID, string(doc), next, tree.ExamID, expectedVersion,
		)
	}
	if err != nil {
		return fmt.Errorf("write submission tree %s: %w", tree.ExamID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		slog.Debug("submission tree version conflict", "exam_id", tree.ExamID, "expected", expectedVersion)
		return ErrVersionConflict
	}
	tree.Version = next
	s.watches.publish(Change{ExamID: tree.ExamID, SubjectID: tree.SubjectID, Version: next})
	return nil
}

// HasSubmission reports whether respondentID already has a record for the exam.
func (s *Store) HasSubmission(examID string, respondentID int64) (bool, error) {
	tree, err := s.GetSubmissionTree(examID)
	if err != nil {
		return false, err
	}
	if tree == nil {
		return false, nil
	}
	_, ok := tree.Users[respondentID]
	return ok, nil
}

// ListSubmissionTrees returns every exam's submission document ordered by exam ID.
func (s *Store) ListSubmissionTrees() ([]model.SubmissionTree, error) {
	rows, err := s.db.Query(`SELECT exam_id, doc, version FROM user_exams ORDER BY exam_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var trees []model.SubmissionTree
	for rows.Next() {
		var examID, doc string
		var version int64
		if err := rows.Scan(&examID, &doc, &version); err != nil {
			return nil, err
		}
		tree, err := decodeTree(examID, doc, version)
		if err != nil {
			return nil, err
		}
		trees = append(trees, *tree)
	}
	return trees, rows.Err()
}

func decodeTree(examID, doc string, version int64) (*model.SubmissionTree, error) {
	var tree model.SubmissionTree
	if err := json.Unmarshal([]byte(doc), &tree); err != nil {
		return nil, fmt.Errorf("decode submission tree %s: %w", examID, err)
	}
	tree.ExamID = examID
	tree.Version = version
	if tree.Users == nil {
		tree.Users = make(map[int64]model.SubmissionRecord)
	}
	return &tree, nil
}
