package memory

import (
	"context"
	"sync"

	"github.com/aescanero/regorch/pkg/ports"
)

// Sent is one recorded notification.
type Sent struct {
	To       string
	Template string
	Vars     map[string]any
}

// Recorder records notifications instead of sending them.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	err  error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes every later Send return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Send(ctx context.Context, to, template string, vars map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, Sent{To: to, Template: template, Vars: vars})
	return nil
}

// Sent returns the recorded notifications.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Templates returns the template of every recorded notification in order.
func (r *Recorder) Templates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.Template
	}
	return out
}

var _ ports.NotificationSender = (*Recorder)(nil)
