package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/roster"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <student-id> <name> <photo>",
	Short: "Enroll a student from a photo",
	Long: `Enroll a student by computing the face embedding of a photo.

The photo is downsized, sent to the embedding server and the largest
detected face is stored with the student. Enrollment is refused when the
face is already enrolled under another student ID.

Examples:
  # Enroll a new student
  face-attendance enroll 2024001 "Jana Nováková" jana.jpg --department CS

  # Replace the face of an existing student
  face-attendance enroll 2024001 "Jana Nováková" jana-new.jpg --update`,
	Args: cobra.ExactArgs(3),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("department", "", "Department of the student")
	enrollCmd.Flags().String("email", "", "Email address")
	enrollCmd.Flags().String("phone", "", "Phone number")
	enrollCmd.Flags().Bool("update", false, "Replace an existing student instead of failing")
	enrollCmd.Flags().Bool("force", false, "Skip the duplicate face check")
	enrollCmd.Flags().Bool("json", false, "Output as JSON")
}

// EnrollResult is the JSON output of enroll
type EnrollResult struct {
	StudentID  string  `json:"student_id"`
	Name       string  `json:"name"`
	Dim        int     `json:"dim"`
	Updated    bool    `json:"updated"`
	NearestID  string  `json:"nearest_id,omitempty"`
	NearestDst float64 `json:"nearest_distance,omitempty"`
}

func runEnroll(cmd *cobra.Command, args []string) error {
	studentID := strings.TrimSpace(args[0])
	name := strings.TrimSpace(args[1])
	photoPath := args[2]
	update := mustGetBool(cmd, "update")
	force := mustGetBool(cmd, "force")
	jsonOutput := mustGetBool(cmd, "json")

	if studentID == "" || name == "" {
		return errors.New("student ID and name must not be empty")
	}

	data, err := os.ReadFile(photoPath)
	if err != nil {
		return fmt.Errorf("failed to read photo: %w", err)
	}
	resized, err := embedding.ResizeImage(data, constants.MaxEnrollImageSize)
	if err != nil {
		return fmt.Errorf("failed to prepare photo: %w", err)
	}

	ctx := context.Background()
	cfg := config.Load()

	client := embedding.NewClient(cfg.Embedding.URL)
	emb, err := client.ComputeSingleFace(ctx, resized)
	if err != nil {
		return fmt.Errorf("failed to compute face embedding: %w", err)
	}
	if cfg.Embedding.Dim > 0 && len(emb) != cfg.Embedding.Dim {
		return fmt.Errorf("embedding server returned %d dimensions, expected %d", len(emb), cfg.Embedding.Dim)
	}

	closePool, err := connectPostgres(cfg)
	if err != nil {
		return err
	}
	defer closePool()

	students, err := database.GetRosterWriter(ctx)
	if err != nil {
		return fmt.Errorf("failed to get roster writer: %w", err)
	}

	result := EnrollResult{StudentID: studentID, Name: name, Dim: len(emb), Updated: update}

	r := roster.New(cfg.Embedding.Dim)
	if _, err := database.LoadRoster(ctx, students, r); err != nil {
		return fmt.Errorf("failed to load roster: %w", err)
	}
	candidates, err := r.Snapshot().Similar(emb, 2)
	if err != nil {
		return fmt.Errorf("duplicate check: %w", err)
	}
	for _, c := range candidates {
		if c.Identity.ID == studentID {
			continue
		}
		result.NearestID = c.Identity.ID
		result.NearestDst = c.Distance
		if c.Distance < constants.DuplicateFaceDistance && !force {
			return fmt.Errorf("face is already enrolled as %s (%s, distance %.3f), use --force to enroll anyway",
				c.Identity.ID, c.Identity.DisplayName, c.Distance)
		}
		break
	}

	student := &database.StoredStudent{
		StudentID:  studentID,
		Name:       name,
		Email:      mustGetString(cmd, "email"),
		Phone:      mustGetString(cmd, "phone"),
		Department: mustGetString(cmd, "department"),
		Embedding:  emb,
		Dim:        len(emb),
	}
	if update {
		err = students.UpsertStudent(ctx, student)
	} else {
		err = students.AddStudent(ctx, student)
	}
	if errors.Is(err, database.ErrStudentExists) {
		return fmt.Errorf("student %s already exists, use --update to replace", studentID)
	}
	if err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}

	if jsonOutput {
		return outputJSON(result)
	}
	fmt.Printf("Enrolled %s (%s) with a %d-dimensional face embedding\n", name, studentID, len(emb))
	if result.NearestID != "" {
		fmt.Printf("Nearest other student: %s (distance %.3f)\n", result.NearestID, result.NearestDst)
	}
	fmt.Println("Running servers pick up the change after POST /api/v1/roster/reload")
	return nil
}
