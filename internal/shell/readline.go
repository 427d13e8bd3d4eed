package shell

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
)

// Readline is a LineReader backed by a terminal with line editing and
// persistent history.
type Readline struct {
	rl *readline.Instance
}

// NewReadline opens the terminal. An empty historyFile disables history.
func NewReadline(prompt, historyFile string) (*Readline, error) {
	if historyFile != "" {
		if err := os.MkdirAll(filepath.Dir(historyFile), 0755); err != nil {
			return nil, fmt.Errorf("shell: creating history dir: %w", err)
		}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            prompt,
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return nil, fmt.Errorf("shell: opening terminal: %w", err)
	}
	return &Readline{rl: rl}, nil
}

// Readline returns the next line. Ctrl-C yields ErrInterrupt and Ctrl-D
// yields io.EOF.
func (r *Readline) Readline() (string, error) {
	line, err := r.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", ErrInterrupt
	}
	return line, err
}

// Stdout returns a writer that prints above the prompt without corrupting
// the line being edited.
func (r *Readline) Stdout() io.Writer {
	return r.rl.Stdout()
}

// Close restores the terminal.
func (r *Readline) Close() error {
	return r.rl.Close()
}
