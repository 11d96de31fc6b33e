package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mariadb"
	"github.com/kozaktomas/face-attendance/internal/roster"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Roster operations",
	Long:  `Commands for listing, importing and checking enrolled students.`,
}

var rosterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled students",
	Long: `List enrolled students in enrollment order.

Examples:
  face-attendance roster list
  face-attendance roster list --query novakova --json`,
	Args: cobra.NoArgs,
	RunE: runRosterList,
}

var rosterImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import students from the legacy school database",
	Long: `Import students and their face encodings from the legacy MariaDB
students table (LEGACY_DATABASE_URL) into PostgreSQL.

Existing students are updated in place. Students whose face encoding does
not match EMBEDDING_DIM are imported without a face.

Examples:
  face-attendance roster import --dry-run
  face-attendance roster import`,
	Args: cobra.NoArgs,
	RunE: runRosterImport,
}

var rosterCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Find students whose enrolled faces are too similar",
	Long: `Load the roster the same way the server does and report pairs of
students whose face embeddings are closer than the threshold. Such pairs
are likely to be confused by the matcher.

Examples:
  face-attendance roster check
  face-attendance roster check --threshold 0.45`,
	Args: cobra.NoArgs,
	RunE: runRosterCheck,
}

func init() {
	rootCmd.AddCommand(rosterCmd)
	rosterCmd.AddCommand(rosterListCmd)
	rosterCmd.AddCommand(rosterImportCmd)
	rosterCmd.AddCommand(rosterCheckCmd)

	rosterListCmd.Flags().String("query", "", "Only students whose name contains this (diacritics ignored)")
	rosterListCmd.Flags().Bool("json", false, "Output as JSON")

	rosterImportCmd.Flags().Bool("dry-run", false, "Read the legacy database without writing anything")

	rosterCheckCmd.Flags().Float64("threshold", constants.DuplicateFaceDistance, "Report pairs closer than this Euclidean distance")
	rosterCheckCmd.Flags().Int("limit", constants.DefaultSimilarLimit, "Nearest students inspected per student")
	rosterCheckCmd.Flags().Bool("json", false, "Output as JSON")
}

// RosterListEntry is one student of the JSON output of roster list
type RosterListEntry struct {
	StudentID  string    `json:"student_id"`
	Name       string    `json:"name"`
	Department string    `json:"department,omitempty"`
	HasFace    bool      `json:"has_face"`
	CreatedAt  time.Time `json:"created_at"`
}

func runRosterList(cmd *cobra.Command, args []string) error {
	query := mustGetString(cmd, "query")
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	cfg := config.Load()
	closePool, err := connectPostgres(cfg)
	if err != nil {
		return err
	}
	defer closePool()

	reader, err := database.GetRosterReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to get roster reader: %w", err)
	}

	var students []database.StoredStudent
	if query != "" {
		students, err = reader.SearchStudents(ctx, query)
	} else {
		students, err = reader.ListStudents(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to list students: %w", err)
	}

	if jsonOutput {
		out := make([]RosterListEntry, 0, len(students))
		for i := range students {
			s := &students[i]
			out = append(out, RosterListEntry{
				StudentID:  s.StudentID,
				Name:       s.Name,
				Department: s.Department,
				HasFace:    s.HasFace(),
				CreatedAt:  s.CreatedAt,
			})
		}
		return outputJSON(out)
	}

	if len(students) == 0 {
		fmt.Println("No students found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDEPARTMENT\tFACE")
	fmt.Fprintln(w, "--\t----\t----------\t----")
	withFace := 0
	for i := range students {
		s := &students[i]
		face := ""
		if s.HasFace() {
			face = "*"
			withFace++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.StudentID, s.Name, s.Department, face)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d students, %d with an enrolled face\n", len(students), withFace)
	return nil
}

// importStats counts the outcome of a legacy import
type importStats struct {
	imported int
	withFace int
	stripped int
	failed   int
}

// normalizeImported drops a face encoding of the wrong dimension so the student
// can still be imported. It reports whether the encoding was dropped.
func normalizeImported(s *database.StoredStudent, dim int) bool {
	if !s.HasFace() || dim <= 0 || len(s.Embedding) == dim {
		return false
	}
	s.Embedding = nil
	s.Dim = 0
	return true
}

func runRosterImport(cmd *cobra.Command, args []string) error {
	dryRun := mustGetBool(cmd, "dry-run")

	ctx := context.Background()
	cfg := config.Load()

	fmt.Println("Connecting to legacy MariaDB database...")
	legacy, err := mariadb.NewPool(&cfg.Legacy)
	if err != nil {
		return fmt.Errorf("failed to connect to legacy database: %w", err)
	}
	defer legacy.Close()

	students, err := legacy.ListStudents(ctx)
	if err != nil {
		return fmt.Errorf("failed to read legacy students: %w", err)
	}
	if len(students) == 0 {
		fmt.Println("No students found in legacy database.")
		return nil
	}
	fmt.Printf("Found %d students in legacy database\n\n", len(students))

	var writer database.RosterWriter
	if !dryRun {
		closePool, err := connectPostgres(cfg)
		if err != nil {
			return err
		}
		defer closePool()
		if writer, err = database.GetRosterWriter(ctx); err != nil {
			return fmt.Errorf("failed to get roster writer: %w", err)
		}
	}

	bar := progressbar.NewOptions(len(students),
		progressbar.OptionSetDescription("Importing students"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("students"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	var stats importStats
	var failures []string
	for i := range students {
		s := &students[i]
		if normalizeImported(s, cfg.Embedding.Dim) {
			stats.stripped++
		}
		if !dryRun {
			if err := writer.UpsertStudent(ctx, s); err != nil {
				stats.failed++
				failures = append(failures, fmt.Sprintf("%s: %v", s.StudentID, err))
				bar.Add(1)
				continue
			}
		}
		stats.imported++
		if s.HasFace() {
			stats.withFace++
		}
		bar.Add(1)
	}
	bar.Finish()
	fmt.Println()

	for _, f := range failures {
		fmt.Fprintf(os.Stderr, "  failed %s\n", f)
	}

	verb := "Imported"
	if dryRun {
		verb = "Would import"
	}
	fmt.Printf("%s %d students (%d with a face)\n", verb, stats.imported, stats.withFace)
	if stats.stripped > 0 {
		fmt.Printf("Dropped %d face encodings with a dimension other than %d\n", stats.stripped, cfg.Embedding.Dim)
	}
	if stats.failed > 0 {
		return fmt.Errorf("%d students failed to import", stats.failed)
	}
	if !dryRun {
		fmt.Println("Running servers pick up the change after POST /api/v1/roster/reload")
	}
	return nil
}

// SimilarPair is two enrolled students whose faces are closer than the check threshold
type SimilarPair struct {
	StudentA string  `json:"student_a"`
	NameA    string  `json:"name_a"`
	StudentB string  `json:"student_b"`
	NameB    string  `json:"name_b"`
	Distance float64 `json:"distance"`
}

// findSimilarPairs returns each pair closer than threshold once, in enrollment order.
func findSimilarPairs(snap *roster.Snapshot, threshold float64, limit int) ([]SimilarPair, error) {
	seen := make(map[[2]string]bool)
	var pairs []SimilarPair
	for _, ident := range snap.Identities() {
		candidates, err := snap.Similar(ident.Embedding, limit+1)
		if err != nil {
			return nil, fmt.Errorf("similar to %s: %w", ident.ID, err)
		}
		for _, c := range candidates {
			if c.Identity.ID == ident.ID || c.Distance >= threshold {
				continue
			}
			key := [2]string{ident.ID, c.Identity.ID}
			if key[0] > key[1] {
				key[0], key[1] = key[1], key[0]
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			pairs = append(pairs, SimilarPair{
				StudentA: ident.ID,
				NameA:    ident.DisplayName,
				StudentB: c.Identity.ID,
				NameB:    c.Identity.DisplayName,
				Distance: c.Distance,
			})
		}
	}
	return pairs, nil
}

func runRosterCheck(cmd *cobra.Command, args []string) error {
	threshold := mustGetFloat64(cmd, "threshold")
	limit := mustGetInt(cmd, "limit")
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	cfg := config.Load()
	closePool, err := connectPostgres(cfg)
	if err != nil {
		return err
	}
	defer closePool()

	reader, err := database.GetRosterReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to get roster reader: %w", err)
	}

	r := roster.New(cfg.Embedding.Dim)
	size, err := database.LoadRoster(ctx, reader, r)
	if err != nil {
		return fmt.Errorf("roster does not load: %w", err)
	}

	pairs, err := findSimilarPairs(r.Snapshot(), threshold, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return outputJSON(map[string]any{"roster_size": size, "pairs": pairs})
	}

	fmt.Printf("Roster loads with %d enrolled students\n", size)
	if len(pairs) == 0 {
		fmt.Printf("No pairs closer than %.2f\n", threshold)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STUDENT\tNAME\tSTUDENT\tNAME\tDISTANCE")
	for _, p := range pairs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.3f\n", p.StudentA, p.NameA, p.StudentB, p.NameB, p.Distance)
	}
	w.Flush()
	fmt.Printf("\n%d pairs closer than %.2f\n", len(pairs), threshold)
	return nil
}
