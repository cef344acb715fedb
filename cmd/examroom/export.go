package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jinzhu/copier"
	"github.com/spf13/cobra"

	"github.com/pavelanni/examroom/internal/model"
	"github.com/pavelanni/examroom/internal/results"
	"github.com/pavelanni/examroom/internal/store"
)

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	subjectID := v.GetString("subject")
	export, err := buildExport(db, subjectID, time.Now().UTC())
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if out := v.GetString("output"); out != "-" && out != "" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(export); err != nil {
		return fmt.Errorf("write export: %w", err)
	}

	slog.Info("export complete", "subject_id", subjectID, "results", export.NumResults)
	return nil
}

// buildExport aggregates every result of a subject as an administrator sees it.
func buildExport(src results.Source, subjectID string, now time.Time) (*model.ResultsExport, error) {
	rows, err := results.Aggregate(src, subjectID, model.Viewer{Role: model.UserRoleAdmin})
	if err != nil {
		return nil, fmt.Errorf("aggregate results: %w", err)
	}

	out := make([]model.ResultExport, 0, len(rows))
	if err := copier.Copy(&out, &rows); err != nil {
		return nil, fmt.Errorf("convert results: %w", err)
	}

	return &model.ResultsExport{
		SubjectID:  subjectID,
		ExportedAt: now,
		NumResults: len(out),
		Results:    out,
	}, nil
}
