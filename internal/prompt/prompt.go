// Package prompt asks the operator for confirmation on the terminal.
// Every question has a deadline; silence is answered with "no".
package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"rewind/internal/rewind"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// Terminal implements rewind.Prompter over a line-oriented reader.
type Terminal struct {
	in          *bufio.Reader
	out         io.Writer
	timeout     time.Duration
	interactive bool

	// One reader goroutine serves every question; it is closed at end of input.
	start sync.Once
	lines chan string
}

var _ rewind.Prompter = (*Terminal)(nil)

// New creates a prompter reading answers from in and writing questions to
// out. A non-interactive prompter never blocks and always answers no.
func New(in io.Reader, out io.Writer, timeout time.Duration, interactive bool) *Terminal {
	return &Terminal{
		in:          bufio.NewReader(in),
		out:         out,
		timeout:     timeout,
		interactive: interactive,
		lines:       make(chan string, 1),
	}
}

func (t *Terminal) read() {
	defer close(t.lines)
	for {
		line, err := t.in.ReadString('\n')
		if line != "" {
			t.lines <- line
		}
		if err != nil {
			return
		}
	}
}

// discardStale drops lines typed after an earlier question timed out.
func (t *Terminal) discardStale() {
	for {
		select {
		case _, ok := <-t.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// NewStdio creates a prompter on stdin and stderr, interactive only when
// stdin is a terminal.
func NewStdio(timeout time.Duration) *Terminal {
	return New(os.Stdin, os.Stderr, timeout, term.IsTerminal(int(os.Stdin.Fd())))
}

// Confirm prints question and waits for y/yes. Anything else, a timeout or
// end of input is no.
func (t *Terminal) Confirm(ctx context.Context, question string) (bool, error) {
	if !t.interactive {
		fmt.Fprintf(t.out, "%s [y/N]: no terminal, assuming no (use --yes)\n", question)
		return false, nil
	}
	first := false
	t.start.Do(func() { first = true })
	if !first {
		t.discardStale()
	}
	fmt.Fprintf(t.out, "%s [y/N]: ", question)
	if first {
		go t.read()
	}

	var deadline <-chan time.Time
	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return false, ctx.Err()
	case <-deadline:
		fmt.Fprintf(t.out, "\nno answer within %s, assuming no\n", t.timeout)
		return false, nil
	case line, ok := <-t.lines:
		if !ok {
			return false, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

// ReadPassphrase prints label and reads a passphrase from the terminal
// without echo.
func ReadPassphrase(label string) ([]byte, error) {
	fmt.Fprint(os.Stderr, label+": ")
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return pw, nil
}
