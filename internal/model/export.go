package model

import "time"

// ResultsExport is the top-level JSON structure for subject result export.
type ResultsExport struct {
	SubjectID  string         `json:"subject_id"`
	ExportedAt time.Time      `json:"exported_at"`
	NumResults int            `json:"num_results"`
	Results    []ResultExport `json:"results"`
}

// ResultExport holds one respondent's result for one exam.
type ResultExport struct {
	ExamID            string    `json:"exam_id"`
	ExamName          string    `json:"exam_name"`
	RespondentID      int64     `json:"respondent_id"`
	RespondentName    string    `json:"respondent_name"`
	Score             float64   `json:"score"`
	TotalQuestions    int       `json:"total_questions"`
	Percentage        float64   `json:"percentage"`
	RoundedPercentage int       `json:"rounded_percentage"`
	Tier              string    `json:"tier"`
	SubmittedAt       time.Time `json:"submitted_at"`
}
