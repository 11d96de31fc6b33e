package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/spf13/cobra"
)

var attendanceCmd = &cobra.Command{
	Use:   "attendance",
	Short: "Attendance ledger operations",
	Long:  `Commands for inspecting and closing daily attendance.`,
}

var attendanceShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show attendance records of a day",
	Long: `Show the attendance records of a day (today by default).

Examples:
  face-attendance attendance show
  face-attendance attendance show --date 2024-03-04 --json`,
	Args: cobra.NoArgs,
	RunE: runAttendanceShow,
}

var attendanceCloseDayCmd = &cobra.Command{
	Use:   "close-day",
	Short: "Mark every student without a record as absent",
	Long: `Close a day: every enrolled student without an attendance record for
that day gets an Absent record. Running it twice changes nothing.

Examples:
  face-attendance attendance close-day
  face-attendance attendance close-day --date 2024-03-04`,
	Args: cobra.NoArgs,
	RunE: runAttendanceCloseDay,
}

var attendanceRecordCmd = &cobra.Command{
	Use:   "record <student-id>",
	Short: "Record a recognition event by hand",
	Long: `Apply a recognition event to the ledger as if the camera had seen the
student. The first event of a day records the arrival, a later one the departure.

Examples:
  face-attendance attendance record 2024001
  face-attendance attendance record 2024001 --at 2024-03-04T08:05:00+01:00`,
	Args: cobra.ExactArgs(1),
	RunE: runAttendanceRecord,
}

func init() {
	rootCmd.AddCommand(attendanceCmd)
	attendanceCmd.AddCommand(attendanceShowCmd)
	attendanceCmd.AddCommand(attendanceCloseDayCmd)
	attendanceCmd.AddCommand(attendanceRecordCmd)

	attendanceShowCmd.Flags().String("date", "", "Day as YYYY-MM-DD (default today)")
	attendanceShowCmd.Flags().Bool("json", false, "Output as JSON")

	attendanceCloseDayCmd.Flags().String("date", "", "Day as YYYY-MM-DD (default today)")

	attendanceRecordCmd.Flags().String("at", "", "Event time in RFC 3339 (default now)")
}

// openLedger connects to PostgreSQL and builds the ledger and roster reader.
func openLedger(ctx context.Context, cfg *config.Config) (*ledger.Ledger, database.RosterReader, func(), error) {
	closePool, err := connectPostgres(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := database.GetAttendanceStore(ctx)
	if err != nil {
		closePool()
		return nil, nil, nil, fmt.Errorf("failed to get attendance store: %w", err)
	}
	reader, err := database.GetRosterReader(ctx)
	if err != nil {
		closePool()
		return nil, nil, nil, fmt.Errorf("failed to get roster reader: %w", err)
	}
	l, err := newLedger(cfg, store)
	if err != nil {
		closePool()
		return nil, nil, nil, fmt.Errorf("invalid attendance configuration: %w", err)
	}
	return l, reader, closePool, nil
}

// resolveDay parses --date, defaulting to today in the ledger's time zone.
func resolveDay(cmd *cobra.Command, l *ledger.Ledger) (ledger.Day, error) {
	date := mustGetString(cmd, "date")
	if date == "" {
		return l.Today(), nil
	}
	day, err := ledger.ParseDay(date)
	if err != nil {
		return "", fmt.Errorf("invalid --date: %w", err)
	}
	return day, nil
}

func formatClock(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("15:04:05")
}

func runAttendanceShow(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	cfg := config.Load()
	l, reader, closePool, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePool()

	day, err := resolveDay(cmd, l)
	if err != nil {
		return err
	}

	records, err := l.Records(ctx, day)
	if err != nil {
		return fmt.Errorf("failed to read attendance: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].IdentityID < records[j].IdentityID })

	if jsonOutput {
		return outputJSON(map[string]any{"day": day, "records": records})
	}

	if len(records) == 0 {
		fmt.Printf("No attendance records for %s.\n", day)
		return nil
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.IdentityID
	}
	students, err := reader.GetStudentsByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to look up students: %w", err)
	}
	names := make(map[string]string, len(students))
	for _, s := range students {
		names[s.StudentID] = s.Name
	}

	counts := make(map[ledger.Status]int)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tIN\tOUT")
	fmt.Fprintln(w, "--\t----\t------\t--\t---")
	for _, rec := range records {
		counts[rec.Status]++
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.IdentityID, names[rec.IdentityID], rec.Status,
			formatClock(rec.TimeIn, l.Location()), formatClock(rec.TimeOut, l.Location()))
	}
	w.Flush()

	fmt.Printf("\n%s: %d present, %d late, %d absent\n", day,
		counts[ledger.StatusPresent], counts[ledger.StatusLate], counts[ledger.StatusAbsent])
	return nil
}

func runAttendanceCloseDay(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg := config.Load()
	l, reader, closePool, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePool()

	day, err := resolveDay(cmd, l)
	if err != nil {
		return err
	}
	if day > l.Today() {
		return fmt.Errorf("cannot close %s, it has not happened yet", day)
	}

	students, err := reader.ListStudents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list students: %w", err)
	}
	ids := make([]string, len(students))
	for i := range students {
		ids[i] = students[i].StudentID
	}

	marked, err := l.MarkAbsent(ctx, day, ids)
	if err != nil {
		return fmt.Errorf("failed to close %s after marking %d absent: %w", day, marked, err)
	}
	fmt.Printf("Closed %s: %d of %d students marked absent\n", day, marked, len(ids))
	return nil
}

func runAttendanceRecord(cmd *cobra.Command, args []string) error {
	studentID := args[0]
	at := time.Now()
	if s := mustGetString(cmd, "at"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		at = parsed
	}

	ctx := context.Background()
	cfg := config.Load()
	l, reader, closePool, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePool()

	student, err := reader.GetStudent(ctx, studentID)
	if err != nil {
		return fmt.Errorf("failed to look up student: %w", err)
	}
	if student == nil {
		return fmt.Errorf("student %s not found", studentID)
	}

	transition, err := l.RecordEvent(ctx, studentID, at)
	if err != nil {
		return fmt.Errorf("event for %s rejected (%s): %w", studentID, transition, err)
	}
	fmt.Printf("%s (%s) at %s: %s\n", student.Name, studentID, at.In(l.Location()).Format(time.RFC3339), transition)
	return nil
}
