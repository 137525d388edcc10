package main

import (
	"encoding/csv"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/submission-grader/internal/model"
)

var importCSVPath string

// importCmd bulk-loads a candidate roster from CSV (display_name,email
// columns) into the store via BulkUpsertCandidates, grounded on the
// teacher's importCmd CSV-into-Notion shape — here the destination is
// internal/db.BulkUpsert's batched INSERT ... ON CONFLICT rather than the
// Notion API.
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-import a candidate roster from CSV",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if cfg.Store.DatabaseURL == "" {
			return eris.New("store.database_url is required")
		}

		candidates, err := readCandidatesCSV(importCSVPath)
		if err != nil {
			return eris.Wrap(err, "read candidates csv")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		created, err := st.BulkUpsertCandidates(ctx, candidates)
		if err != nil {
			return eris.Wrap(err, "bulk upsert candidates")
		}

		zap.L().Info("import complete",
			zap.Int64("created", created),
			zap.String("csv", importCSVPath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file with display_name,email columns (required)")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}

// readCandidatesCSV parses a display_name,email header row followed by one
// row per candidate, minting a fresh public id for each — the roster file
// never carries its own ids, since the public id space belongs to this
// system alone.
func readCandidatesCSV(path string) ([]model.Candidate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, eris.New("csv file is empty")
	}

	header := records[0]
	nameCol, emailCol := -1, -1
	for i, col := range header {
		switch col {
		case "display_name":
			nameCol = i
		case "email":
			emailCol = i
		}
	}
	if nameCol < 0 {
		return nil, eris.New("csv header missing display_name column")
	}

	candidates := make([]model.Candidate, 0, len(records)-1)
	for _, row := range records[1:] {
		c := model.Candidate{
			PublicID:    model.NewPublicID(model.PrefixCandidate),
			DisplayName: row[nameCol],
		}
		if emailCol >= 0 && emailCol < len(row) {
			c.Email = row[emailCol]
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}
