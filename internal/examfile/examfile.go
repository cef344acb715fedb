// Package examfile imports exam definition files, once per content hash.
package examfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pavelanni/examroom/internal/model"
)

// Status reports what Import did with a file.
type Status string

const (
	StatusImported  Status = "imported"
	StatusUnchanged Status = "unchanged"
	// StatusChanged means the file was imported before with other content and
	// was left alone.
	StatusChanged Status = "changed"
)

// Target is where imported exams and file hashes are recorded.
type Target interface {
	GetImportedFileHash(path string) (string, error)
	SetImportedFileHash(path, hash string) error
	CreateExam(def model.ExamDefinition) (string, error)
}

// Result describes one import.
type Result struct {
	Status  Status
	ExamIDs []string
}

// Parse decodes a file holding one exam object or an array of them, and
// validates every exam before any is returned.
func Parse(data []byte) ([]model.ExamDefinition, error) {
	var exams []model.ExamJSON
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
		return nil, errors.New("empty exam file")
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &exams); err != nil {
			return nil, fmt.Errorf("parse exams: %w", err)
		}
	default:
		var one model.ExamJSON
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("parse exam: %w", err)
		}
		exams = append(exams, one)
	}

	defs := make([]model.ExamDefinition, 0, len(exams))
	for _, e := range exams {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		def, err := e.ToDefinition()
		if err != nil {
			return nil, fmt.Errorf("exam %q: %w", e.Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Import stores the exams in data under name. A file whose hash matches the
// recorded one is skipped. A file that changed since its last import is
// skipped too unless replaceChanged is set.
func Import(dst Target, name string, data []byte, replaceChanged bool) (Result, error) {
	hash := Hash(data)
	stored, err := dst.GetImportedFileHash(name)
	if err != nil {
		return Result{}, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if stored == hash {
		return Result{Status: StatusUnchanged}, nil
	}
	if stored != "" && !replaceChanged {
		return Result{Status: StatusChanged}, nil
	}

	defs, err := Parse(data)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", name, err)
	}
	res := Result{Status: StatusImported}
	for _, def := range defs {
		id, err := dst.CreateExam(def)
		if err != nil {
			return res, fmt.Errorf("insert exam %q from %s: %w", def.Name, name, err)
		}
		res.ExamIDs = append(res.ExamIDs, id)
	}
	if err := dst.SetImportedFileHash(name, hash); err != nil {
		return res, fmt.Errorf("record import for %s: %w", name, err)
	}
	return res, nil
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
