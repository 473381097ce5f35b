package bridge

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/valyala/fasthttp"
)

// Lifespan runs the startup/shutdown message exchange with an application
// around the serving phase. Applications that do not speak the lifespan
// protocol are tolerated: their failure to complete is logged, never
// fatal.
type Lifespan struct {
	logger fasthttp.Logger

	events chan Message // engine -> app
	acks   chan Message // app -> engine
	done   chan error   // app call returned
}

// NewLifespan starts the lifespan task of app. Call Startup before serving
// and Shutdown after the listeners stopped. A nil logger falls back to
// standard error.
func NewLifespan(app App, logger fasthttp.Logger) *Lifespan {
	if logger == nil {
		logger = log.New(os.Stderr, "[tremolo] ", log.LstdFlags)
	}
	l := &Lifespan{
		logger: logger,
		events: make(chan Message, 2),
		acks:   make(chan Message, 2),
		done:   make(chan error, 1),
	}

	go func() {
		l.done <- app(&Scope{Type: ScopeLifespan}, l.receive, l.send)
	}()

	return l
}

func (l *Lifespan) receive() (Message, error) {
	return <-l.events, nil
}

func (l *Lifespan) send(msg Message) error {
	switch msg.Type {
	case MessageStartupComplete, MessageShutdownComplete,
		MessageStartupFailed, MessageShutdownFailed:
		l.acks <- msg
		return nil
	default:
		return misuse("unexpected lifespan message type %q", msg.Type)
	}
}

// Startup announces lifespan.startup and waits for the application's
// answer. A failed answer is returned as an error; an application that
// exits or stays silent through timeout is logged and tolerated.
func (l *Lifespan) Startup(timeout time.Duration) error {
	return l.exchange(MessageStartup, MessageStartupFailed, timeout)
}

// Shutdown announces lifespan.shutdown and waits for the application's
// answer, with the same tolerance as Startup.
func (l *Lifespan) Shutdown(timeout time.Duration) error {
	return l.exchange(MessageShutdown, MessageShutdownFailed, timeout)
}

func (l *Lifespan) exchange(event, failed string, timeout time.Duration) error {
	l.logger.Printf("lifespan: %s", event)
	l.events <- Message{Type: event}

	select {
	case ack := <-l.acks:
		if ack.Type == failed {
			if ack.Reason != "" {
				return fmt.Errorf("bridge: %s: %s", ack.Type, ack.Reason)
			}
			return fmt.Errorf("bridge: %s", ack.Type)
		}
		l.logger.Printf("lifespan: %s", ack.Type)
		return nil
	case err := <-l.done:
		// the app does not speak the lifespan protocol
		l.done <- err
		if err != nil {
			l.logger.Printf("lifespan: unsupported: %s", err)
		} else {
			l.logger.Printf("lifespan: protocol unsupported by application")
		}
		return nil
	case <-time.After(timeout):
		l.logger.Printf("lifespan: timeout after %s", timeout)
		return nil
	}
}
