// Package event delivers typed download progress notifications to
// registered listeners.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/sheerbytes/chunkget/pkg/hash"
)

// Subject is the kind of object an event is about.
type Subject uint8

const (
	SubjectMessage = Subject(iota)
	SubjectMetadata
	SubjectData
	SubjectFile
	SubjectDirectory
)

func (s Subject) String() string {
	switch s {
	case SubjectMessage:
		return "message"
	case SubjectMetadata:
		return "metadata"
	case SubjectData:
		return "data"
	case SubjectFile:
		return "file"
	case SubjectDirectory:
		return "directory"
	default:
		return fmt.Sprintf("subject(%d)", uint8(s))
	}
}

// Phase is the lifecycle step an event reports.
type Phase uint8

const (
	PhaseNone = Phase(iota)
	PhaseStarting
	PhaseStarted
	PhaseTrying
	PhaseSkipped
	PhaseFinished
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseStarting:
		return "starting"
	case PhaseStarted:
		return "started"
	case PhaseTrying:
		return "trying"
	case PhaseSkipped:
		return "skipped"
	case PhaseFinished:
		return "finished"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Event is one notification. Fields that do not apply are zero.
type Event struct {
	Subject Subject
	Phase   Phase
	Time    time.Time
	// Hash is the chunk, file or project hash the event is about.
	Hash hash.Hash
	// Host is set on trying events and host-attributed failures.
	Host string
	// Path is the destination or relative path of the file.
	Path  string
	Bytes int64
	// Message is the free text of a message event.
	Message string
	// Causes is set on failed events.
	Causes []error
}

// Message builds a free-text notification.
func Message(format string, args ...any) Event {
	return Event{Subject: SubjectMessage, Message: fmt.Sprintf(format, args...)}
}

// Failed builds a failure event carrying causes.
func Failed(subject Subject, h hash.Hash, causes ...error) Event {
	return Event{Subject: subject, Phase: PhaseFailed, Hash: h, Causes: causes}
}

func (e Event) String() string {
	var b strings.Builder
	if e.Subject == SubjectMessage {
		return e.Message
	}
	b.WriteString(e.Subject.String())
	b.WriteByte(' ')
	b.WriteString(e.Phase.String())
	if !e.Hash.IsZero() {
		b.WriteString(" hash=")
		b.WriteString(e.Hash.Short())
	}
	if e.Host != "" {
		b.WriteString(" host=")
		b.WriteString(e.Host)
	}
	if e.Path != "" {
		b.WriteString(" path=")
		b.WriteString(e.Path)
	}
	for _, c := range e.Causes {
		b.WriteString(" cause=")
		b.WriteString(c.Error())
	}
	return b.String()
}

// Listener observes events. Returned errors are logged by the Bus and
// never stop delivery to other listeners.
type Listener interface {
	HandleEvent(Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event) error

func (f ListenerFunc) HandleEvent(e Event) error { return f(e) }
