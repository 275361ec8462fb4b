// Package control implements the operator control plane: a background
// listener that samples single-key input from the controlling terminal and a
// single-slot intent mailbox the engine polls at step boundaries. The
// listener never calls into engine logic; it only publishes intents through
// a caller-supplied callback.
package control

import (
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Intent is an operator request. The slot holds at most one; a newer intent
// overwrites an unconsumed older one.
type Intent int

const (
	IntentNone Intent = iota
	IntentPause
	IntentResume
	IntentManual
)

func (i Intent) String() string {
	switch i {
	case IntentPause:
		return "pause"
	case IntentResume:
		return "resume"
	case IntentManual:
		return "manual"
	default:
		return "none"
	}
}

// Slot is a mutex-guarded single-value intent mailbox. Single writer (the
// listener goroutine), single reader (the engine).
type Slot struct {
	mu     sync.Mutex
	intent Intent
}

// Publish stores an intent, replacing any unconsumed one.
func (s *Slot) Publish(i Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intent = i
}

// Take returns the pending intent and clears the slot.
func (s *Slot) Take() Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.intent
	s.intent = IntentNone
	return i
}

// pollIntervalMs is the key sampling interval. Keeping it short bounds how
// stale an operator keypress can be.
const pollIntervalMs = 100

// Listener samples key input from the terminal in a background goroutine.
// Keys: p = pause, c = continue, m = manual override. Input is read only
// from the process's own terminal, so keystrokes aimed at other windows are
// never captured.
type Listener struct {
	onIntent func(Intent)
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	restore func()
}

// NewListener creates a listener that reports intents via onIntent. The
// callback runs on the listener goroutine and must not block.
func NewListener(onIntent func(Intent), logger *slog.Logger) *Listener {
	return &Listener{onIntent: onIntent, logger: logger}
}

// Start puts the terminal into cbreak mode (per-key reads without echo,
// output processing untouched so streamed lines still render normally) and
// begins sampling keys. On a non-terminal stdin (tests, pipes) Start is a
// no-op: the run simply has no interactive controls.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		l.logger.Debug("stdin is not a terminal, key controls disabled")
		return nil
	}

	oldState, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	cbreak := *oldState
	cbreak.Lflag &^= unix.ICANON | unix.ECHO
	cbreak.Cc[unix.VMIN] = 1
	cbreak.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &cbreak); err != nil {
		return err
	}
	l.restore = func() { unix.IoctlSetTermios(fd, unix.TCSETS, oldState) }

	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	go l.listen(fd)
	return nil
}

// Stop ends key sampling, restores the terminal, and joins the background
// goroutine. Safe to call multiple times and on a listener that never
// started.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stop)
	done := l.done
	restore := l.restore
	l.mu.Unlock()

	<-done
	if restore != nil {
		restore()
	}
}

// listen polls the terminal with a short timeout so stopping never waits on
// a keypress.
func (l *Listener) listen(fd int) {
	defer close(l.done)

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 1)

	for {
		select {
		case <-l.stop:
			return
		default:
		}

		n, err := unix.Poll(fds, pollIntervalMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.logger.Warn("key listener poll failed", "error", err)
			return
		}
		if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		nr, err := unix.Read(fd, buf)
		if err != nil || nr == 0 {
			continue
		}

		switch buf[0] | 0x20 { // fold to lowercase
		case 'p':
			l.onIntent(IntentPause)
		case 'c':
			l.onIntent(IntentResume)
		case 'm':
			l.onIntent(IntentManual)
		}
	}
}
