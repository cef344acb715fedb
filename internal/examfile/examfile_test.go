package examfile

import (
	"strings"
	"testing"

	"github.com/pavelanni/examroom/internal/model"
	"github.com/pavelanni/examroom/internal/store"
)

const oneExam = `{
  "name": "Midterm",
  "subjectId": "math",
  "startDate": "2026-05-01T08:00:00Z",
  "dueDate": "2026-05-01T10:00:00Z",
  "questions": [
    {"type": "multiple-choice", "text": "2+2?", "options": ["3", "4"], "answer": "4"},
    {"type": "identification", "text": "Capital of France?", "answer": "Paris"},
    {"type": "essay", "text": "Discuss.", "essayScore": 5, "expectedWordCount": 150}
  ]
}`

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParse(t *testing.T) {
	defs, err := Parse([]byte(oneExam))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(defs) != 1 || len(defs[0].Questions) != 3 {
		t.Fatalf("Parse() = %+v", defs)
	}
	if es, ok := defs[0].Questions[2].(model.Essay); !ok || es.MaxScore != 5 {
		t.Errorf("third question = %#v, want essay worth 5", defs[0].Questions[2])
	}
	if got := defs[0].TotalPossible(); got != 7 {
		t.Errorf("TotalPossible() = %d, want 7", got)
	}

	defs, err = Parse([]byte("[" + oneExam + "," + oneExam + "]"))
	if err != nil {
		t.Fatalf("Parse array: %v", err)
	}
	if len(defs) != 2 {
		t.Errorf("Parse array returned %d exams, want 2", len(defs))
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", "  "},
		{"not json", "exam"},
		{"missing subject", strings.Replace(oneExam, `"subjectId": "math",`, "", 1)},
		{"answer not an option", strings.Replace(oneExam, `"answer": "4"`, `"answer": "5"`, 1)},
		{"due before start", strings.Replace(oneExam, "2026-05-01T10:00:00Z", "2026-04-30T10:00:00Z", 1)},
		{"unknown type", strings.Replace(oneExam, `"type": "essay"`, `"type": "poem"`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestImport(t *testing.T) {
	s := newTestStore(t)
	data := []byte(oneExam)

	res, err := Import(s, "midterm.json", data, false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Status != StatusImported || len(res.ExamIDs) != 1 {
		t.Fatalf("first import = %+v", res)
	}
	def, err := s.GetExam(res.ExamIDs[0])
	if err != nil || def == nil {
		t.Fatalf("GetExam: %v, %v", def, err)
	}
	if def.Name != "Midterm" {
		t.Errorf("Name = %q, want Midterm", def.Name)
	}

	res, err = Import(s, "midterm.json", data, false)
	if err != nil || res.Status != StatusUnchanged {
		t.Errorf("second import = %+v, %v, want unchanged", res, err)
	}

	changed := []byte(strings.Replace(oneExam, "Midterm", "Final", 1))
	res, err = Import(s, "midterm.json", changed, false)
	if err != nil || res.Status != StatusChanged {
		t.Errorf("changed import = %+v, %v, want changed", res, err)
	}
	res, err = Import(s, "midterm.json", changed, true)
	if err != nil || res.Status != StatusImported {
		t.Errorf("replacing import = %+v, %v, want imported", res, err)
	}

	if n, _ := s.ExamCount(); n != 2 {
		t.Errorf("ExamCount() = %d, want 2", n)
	}
}

func TestImportInvalidRecordsNothing(t *testing.T) {
	s := newTestStore(t)
	bad := []byte(strings.Replace(oneExam, `"answer": "Paris"`, `"answer": " "`, 1))

	if _, err := Import(s, "bad.json", bad, false); err == nil {
		t.Fatal("expected error")
	}
	if h, _ := s.GetImportedFileHash("bad.json"); h != "" {
		t.Errorf("hash recorded for a rejected file: %q", h)
	}
	if n, _ := s.ExamCount(); n != 0 {
		t.Errorf("ExamCount() = %d, want 0", n)
	}
}
