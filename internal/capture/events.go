package capture

import (
	"slices"
	"sync"

	"github.com/kozaktomas/face-attendance/internal/constants"
)

// Notification types.
const (
	NotificationDecision   = "decision"
	NotificationAttendance = "attendance"
	NotificationCapture    = "capture"
)

// Notification is a live event for subscribers such as the SSE endpoint.
type Notification struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Broadcaster fans notifications out to listeners. Slow listeners miss events
// instead of slowing down the sender.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners []chan Notification
}

// NewBroadcaster creates a broadcaster without listeners.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// AddListener registers a new listener.
func (b *Broadcaster) AddListener() chan Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Notification, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener unregisters and closes a listener.
func (b *Broadcaster) RemoveListener(ch chan Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := slices.Index(b.listeners, ch); i >= 0 {
		b.listeners = slices.Delete(b.listeners, i, i+1)
		close(ch)
	}
}

// Send delivers n to every listener with room in its buffer.
func (b *Broadcaster) Send(n Notification) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- n:
		default:
			// Listener buffer full, skip.
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
