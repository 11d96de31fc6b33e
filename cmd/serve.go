package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/roster"
	"github.com/kozaktomas/face-attendance/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the attendance API server",
	Long: `Start the Face Attendance API server.

The server loads the enrolled roster from PostgreSQL, runs the recognition
loop when capture is started and exposes the REST API under /api/v1.

Frames come either from edge cameras posting to /api/v1/capture/frames or,
when CAPTURE_FRAME_DIR is set, from image files dropped into that directory.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().Bool("start-capture", false, "Start a capture session immediately")
}

// applyServeFlags lets explicit flags win over the environment.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}
}

// newMatcher picks the matcher for the configured recognition mode.
func newMatcher(cfg *config.Config, r *roster.Roster) roster.Matcher {
	if cfg.Recognition.Mode == config.ModeDegraded {
		fmt.Println("Warning: recognition runs in DEGRADED mode, every face matches the first enrolled student")
		return roster.NewDegradedMatcher(r)
	}
	return roster.NewEuclideanMatcher(r, cfg.Recognition.Threshold)
}

// newSourceFactory returns the factory used for every capture session.
func newSourceFactory(cfg *config.Config, embedder capture.FaceEmbedder) capture.SourceFactory {
	if cfg.Capture.FrameDir != "" {
		return func() (capture.Source, error) {
			if _, err := os.Stat(cfg.Capture.FrameDir); err != nil {
				return nil, fmt.Errorf("frame directory: %w", err)
			}
			return capture.NewDirectorySource(cfg.Capture.FrameDir, embedder, cfg.Capture.PollInterval, cfg.Capture.MaxImageSize), nil
		}
	}
	return func() (capture.Source, error) {
		return capture.NewPushSource(constants.PushSourceBuffer), nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Printf("Connecting to PostgreSQL database...\n")
	closePool, err := connectPostgres(cfg)
	if err != nil {
		return err
	}
	defer closePool()
	pool := postgres.GetGlobalPool()

	ctx := context.Background()
	students, err := database.GetRosterWriter(ctx)
	if err != nil {
		return fmt.Errorf("failed to get roster writer: %w", err)
	}
	attendanceStore, err := database.GetAttendanceStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to get attendance store: %w", err)
	}

	r := roster.New(cfg.Embedding.Dim)
	size, err := database.LoadRoster(ctx, students, r)
	if err != nil {
		return fmt.Errorf("failed to load roster: %w", err)
	}
	fmt.Printf("Roster loaded with %d enrolled students\n", size)

	matcher := newMatcher(cfg, r)
	l, err := newLedger(cfg, attendanceStore)
	if err != nil {
		return fmt.Errorf("invalid attendance configuration: %w", err)
	}

	events := capture.NewBroadcaster()
	dispatcher := capture.NewDispatcher(l, capture.DispatcherOptions{
		Workers:      cfg.Capture.Workers,
		QueueSize:    cfg.Capture.QueueSize,
		EventTimeout: cfg.Attendance.EventTimeout,
		OnResult: func(res capture.Result) {
			if res.Err != nil {
				log.Printf("attendance: %s at %s: %v", res.Event.IdentityID, res.Event.EventTime.Format(time.RFC3339), res.Err)
			}
			events.Send(capture.Notification{Type: capture.NotificationAttendance, Data: res})
		},
	})
	processor := capture.NewProcessor(matcher, dispatcher, cfg.Recognition.MinConfidence, events)

	embedder := embedding.NewClient(cfg.Embedding.URL)
	controller := capture.NewController(processor, newSourceFactory(cfg, embedder), events)

	server := web.NewServer(cfg, web.Services{
		Roster:     r,
		Matcher:    matcher,
		Ledger:     l,
		Students:   students,
		Processor:  processor,
		Controller: controller,
		Events:     events,
		Embedder:   embedder,
		DB:         pool,
	})

	if mustGetBool(cmd, "start-capture") {
		if _, err := controller.Start(); err != nil {
			return fmt.Errorf("failed to start capture: %w", err)
		}
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	go pruneLedger(pruneCtx, l, constants.LedgerPruneInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Face Attendance API on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	if cfg.Web.AdminToken == "" {
		fmt.Println("Warning: WEB_ADMIN_TOKEN is not set, write endpoints are unauthenticated")
	}
	fmt.Println("Press Ctrl+C to stop")

	serveErr := server.Start()

	// Stop producing decisions first, then drain queued events into the ledger.
	controller.Shutdown()
	dispatcher.Close()
	st := dispatcher.Stats()
	fmt.Printf("Attendance events: %d dispatched, %d dropped, %d failed\n", st.Dispatched, st.Dropped, st.Failed)

	if serveErr != nil {
		return fmt.Errorf("starting server: %w", serveErr)
	}
	return nil
}
