package cmd

import (
	"context"
	"fmt"
	"math"
	"os"
	"text/tabwriter"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/roster"
	"github.com/spf13/cobra"
)

var matchCmd = &cobra.Command{
	Use:   "match <photo>",
	Short: "Identify the faces in a photo",
	Long: `Detect every face in a photo and match it against the enrolled roster
without recording attendance. Useful to tune RECOGNITION_THRESHOLD.

Examples:
  face-attendance match gate.jpg
  face-attendance match gate.jpg --threshold 0.5 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().Float64("threshold", 0, "Maximum Euclidean distance for a match (default RECOGNITION_THRESHOLD)")
	matchCmd.Flags().Bool("json", false, "Output as JSON")
}

// FaceMatch is the outcome for one detected face
type FaceMatch struct {
	FaceIndex int                `json:"face_index"`
	BBox      []float64          `json:"bbox"`
	Match     roster.MatchResult `json:"match"`
	Accepted  bool               `json:"accepted"`
}

// matchFaces matches every face with an embedding and applies the confidence gate.
func matchFaces(matcher roster.Matcher, faces []embedding.FaceDetection, minConfidence float64) ([]FaceMatch, error) {
	out := make([]FaceMatch, 0, len(faces))
	for _, f := range faces {
		if len(f.Embedding) == 0 {
			continue
		}
		res, err := matcher.Match(f.Embedding)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", f.FaceIndex, err)
		}
		out = append(out, FaceMatch{
			FaceIndex: f.FaceIndex,
			BBox:      f.BBox,
			Match:     res,
			Accepted:  res.Matched && res.Confidence >= minConfidence,
		})
	}
	return out, nil
}

func runMatch(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	cfg := config.Load()
	if t := mustGetFloat64(cmd, "threshold"); t > 0 {
		cfg.Recognition.Threshold = t
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read photo: %w", err)
	}
	resized, err := embedding.ResizeImage(data, constants.MaxEnrollImageSize)
	if err != nil {
		return fmt.Errorf("failed to prepare photo: %w", err)
	}

	ctx := context.Background()
	resp, err := embedding.NewClient(cfg.Embedding.URL).ComputeFaceEmbeddings(ctx, resized)
	if err != nil {
		return fmt.Errorf("failed to compute face embeddings: %w", err)
	}

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
	if _, err := database.LoadRoster(ctx, reader, r); err != nil {
		return fmt.Errorf("failed to load roster: %w", err)
	}

	matches, err := matchFaces(newMatcher(cfg, r), resp.Faces, cfg.Recognition.MinConfidence)
	if err != nil {
		return err
	}

	if jsonOutput {
		return outputJSON(matches)
	}

	if len(matches) == 0 {
		fmt.Println("No faces found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FACE\tSTUDENT\tNAME\tDISTANCE\tCONFIDENCE\tACCEPTED")
	for _, m := range matches {
		id, name := "-", ""
		if m.Match.Matched {
			id, name = m.Match.IdentityID, m.Match.DisplayName
		}
		dist := "-"
		if !math.IsInf(m.Match.Distance, 0) {
			dist = fmt.Sprintf("%.3f", m.Match.Distance)
		}
		accepted := ""
		if m.Accepted {
			accepted = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.2f\t%s\n", m.FaceIndex, id, name, dist, m.Match.Confidence, accepted)
	}
	w.Flush()

	fmt.Printf("\n%d faces against %d enrolled students (threshold %.2f, min confidence %.2f)\n",
		len(matches), r.Len(), cfg.Recognition.Threshold, cfg.Recognition.MinConfidence)
	return nil
}
