package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyRunning is returned by Start while a session is active.
	ErrAlreadyRunning = errors.New("capture already running")
	// ErrNotRunning is returned by Stop and Push without an active session.
	ErrNotRunning = errors.New("capture not running")
	// ErrNotPushable is returned by Push when the active source does not accept frames.
	ErrNotPushable = errors.New("capture source does not accept pushed observations")
)

// SourceFactory creates the source for a new capture session.
type SourceFactory func() (Source, error)

// Status describes the current or last capture session.
type Status struct {
	Running   bool           `json:"running"`
	SessionID string         `json:"session_id,omitempty"`
	Source    string         `json:"source,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	StoppedAt *time.Time     `json:"stopped_at,omitempty"`
	Error     string         `json:"error,omitempty"`
	Stats     ProcessorStats `json:"stats"`
}

type session struct {
	id        string
	source    Source
	startedAt time.Time
	stoppedAt *time.Time
	err       error
	cancel    context.CancelFunc
	done      chan struct{}
}

// Controller starts and stops recognition sessions (the camera on/off switch).
// At most one session runs at a time.
type Controller struct {
	processor *Processor
	newSource SourceFactory
	events    *Broadcaster

	mu      sync.Mutex
	current *session
}

// NewController creates a controller. events may be nil.
func NewController(processor *Processor, newSource SourceFactory, events *Broadcaster) *Controller {
	return &Controller{processor: processor, newSource: newSource, events: events}
}

func sourceName(src Source) string {
	switch src.(type) {
	case *PushSource:
		return "push"
	case *DirectorySource:
		return "directory"
	default:
		return fmt.Sprintf("%T", src)
	}
}

func (c *Controller) statusLocked() Status {
	st := Status{Stats: c.processor.Stats()}
	s := c.current
	if s == nil {
		return st
	}
	started := s.startedAt
	st.SessionID = s.id
	st.Source = sourceName(s.source)
	st.StartedAt = &started
	st.StoppedAt = s.stoppedAt
	st.Running = s.stoppedAt == nil
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// Status returns the state of the current or last session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Start begins a new session.
func (c *Controller) Start() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.stoppedAt == nil {
		return c.statusLocked(), ErrAlreadyRunning
	}

	src, err := c.newSource()
	if err != nil {
		return c.statusLocked(), fmt.Errorf("create capture source: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        uuid.New().String(),
		source:    src,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.current = s

	go c.run(ctx, s)

	log.Printf("capture: session %s started (%s source)", s.id, sourceName(src))
	st := c.statusLocked()
	c.events.Send(Notification{Type: NotificationCapture, Data: st})
	return st, nil
}

func (c *Controller) run(ctx context.Context, s *session) {
	defer close(s.done)

	err := NewLoop(s.source, c.processor).Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	c.mu.Lock()
	now := time.Now()
	s.stoppedAt = &now
	s.err = err
	st := c.statusLocked()
	c.mu.Unlock()

	if err != nil {
		log.Printf("capture: session %s ended: %v", s.id, err)
	} else {
		log.Printf("capture: session %s stopped", s.id)
	}
	c.events.Send(Notification{Type: NotificationCapture, Data: st})
}

// Stop ends the running session and waits for the loop to exit.
func (c *Controller) Stop() (Status, error) {
	c.mu.Lock()
	s := c.current
	if s == nil || s.stoppedAt != nil {
		st := c.statusLocked()
		c.mu.Unlock()
		return st, ErrNotRunning
	}
	c.mu.Unlock()

	// A push source is closed instead of cancelled so observations already
	// accepted by Push are still processed.
	if ps, ok := s.source.(*PushSource); ok {
		ps.Close()
	} else {
		s.cancel()
	}
	<-s.done
	s.cancel()

	return c.Status(), nil
}

// Push hands an observation to the running session's push source.
func (c *Controller) Push(obs Observation) error {
	c.mu.Lock()
	s := c.current
	running := s != nil && s.stoppedAt == nil
	c.mu.Unlock()

	if !running {
		return ErrNotRunning
	}
	ps, ok := s.source.(*PushSource)
	if !ok {
		return ErrNotPushable
	}
	return ps.Push(obs)
}

// Shutdown stops the running session, if any.
func (c *Controller) Shutdown() {
	if _, err := c.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		log.Printf("capture: shutdown: %v", err)
	}
}
