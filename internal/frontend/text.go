package frontend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const textPrompt = "servis> "

const textHelp = `Available commands:
  play music [genre/artist] - Play music
  set volume [level]        - Set volume level
  switch to [device]        - Switch audio output
  open [application]        - Open application
  gpio [pin] [action]       - Control GPIO pin
  quit                      - Exit`

// TextAdapter is a line-oriented terminal front-end.
type TextAdapter struct {
	in     io.Reader
	out    io.Writer
	outMu  sync.Mutex
	logger *slog.Logger

	proc      Processor
	sessionID string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTextAdapter reads commands from in and writes replies to out.
func NewTextAdapter(in io.Reader, out io.Writer, logger *slog.Logger) *TextAdapter {
	return &TextAdapter{
		in:     in,
		out:    out,
		logger: logger.With("component", "frontend", "type", TypeText),
		done:   make(chan struct{}),
	}
}

func (a *TextAdapter) Type() string { return TypeText }

func (a *TextAdapter) Initialize(p Processor) error {
	if p == nil {
		return fmt.Errorf("text adapter: nil processor")
	}
	a.proc = p
	a.sessionID = uuid.NewString()
	return nil
}

// Start launches the input loop. Done is closed when the loop ends on
// "quit", end of input, or Stop.
func (a *TextAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	if a.proc == nil {
		return fmt.Errorf("text adapter: not initialized")
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.running = true
	go a.inputLoop(ctx)
	a.write(`Type "help" for available commands, "quit" to exit`)
	return nil
}

// Stop ends the loop. A read already blocked on the input returns once the
// input yields a line or EOF.
func (a *TextAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	a.cancel()
	return nil
}

// Done is closed when the input loop exits.
func (a *TextAdapter) Done() <-chan struct{} { return a.done }

func (a *TextAdapter) inputLoop(ctx context.Context) {
	defer close(a.done)

	sc := bufio.NewScanner(a.in)
	for {
		a.prompt()
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				a.logger.Warn("read input", "err", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			a.logger.Info("text session ended")
			return
		}
		a.ProcessCommand(ctx, line, Context{
			UserID:    "text_user",
			SessionID: a.sessionID,
			Interface: TypeText,
			Timestamp: time.Now(),
		})
	}
}

func (a *TextAdapter) ProcessCommand(ctx context.Context, text string, uc Context) {
	if text == "help" {
		a.write(textHelp)
		return
	}
	resp := Run(ctx, a.proc, text, uc, "text")
	if err := a.SendResponse(resp, uc); err != nil {
		a.logger.Warn("send response", "err", err)
	}
}

func (a *TextAdapter) SendResponse(resp Response, _ Context) error {
	return a.write(resp.Content)
}

func (a *TextAdapter) prompt() {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	io.WriteString(a.out, textPrompt)
}

func (a *TextAdapter) write(s string) error {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	_, err := fmt.Fprintln(a.out, s)
	return err
}
