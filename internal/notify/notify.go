// Package notify delivers job lifecycle events (queued, started, completed)
// to interested parties. Delivery is fire-and-forget: a failure is logged and
// never affects the job.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind is the lifecycle transition being announced.
type Kind string

const (
	KindQueued    Kind = "queued"
	KindStarted   Kind = "started"
	KindCompleted Kind = "completed"
)

// Event carries the job identity for a notification.
type Event struct {
	Kind        Kind
	JobID       uuid.UUID
	Owner       string
	DisplayName string
	Description string
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Subject returns the one-line summary of ev.
func (ev Event) Subject() string {
	return fmt.Sprintf("[runplane] %s %s", ev.DisplayName, ev.Kind)
}

// Body returns the plain-text message of ev.
func (ev Event) Body() string {
	var b strings.Builder
	switch ev.Kind {
	case KindQueued:
		b.WriteString("Your run has been queued.\n\n")
	case KindStarted:
		b.WriteString("Your run has started.\n\n")
	case KindCompleted:
		b.WriteString("Your run has finished. Check its status for the outcome.\n\n")
	}
	fmt.Fprintf(&b, "Job:         %s\n", ev.JobID)
	fmt.Fprintf(&b, "Name:        %s\n", ev.DisplayName)
	fmt.Fprintf(&b, "Description: %s\n", ev.Description)
	return b.String()
}

// Recipient maps an owner to a mail address: the owner itself when it is
// an address, otherwise owner@domain. Empty when neither applies.
func Recipient(owner, domain string) string {
	if strings.Contains(owner, "@") {
		return owner
	}
	if owner == "" || domain == "" {
		return ""
	}
	return owner + "@" + strings.TrimPrefix(domain, "@")
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
