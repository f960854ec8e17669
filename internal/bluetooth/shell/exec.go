package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultPath is the control shell binary looked up on $PATH.
const DefaultPath = "bluetoothctl"

// Exec runs the control shell as a child process.
type Exec struct {
	Path       string        // binary to run (default "bluetoothctl")
	CloseGrace time.Duration // how long Close waits before killing (default 5s)
}

// NewExec returns an Exec for the given binary path.
func NewExec(path string) *Exec {
	if path == "" {
		path = DefaultPath
	}
	return &Exec{Path: path, CloseGrace: 5 * time.Second}
}

// Query implements Shell.
func (e *Exec) Query(command string, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Path)
	cmd.Stdin = strings.NewReader(command + "\nexit\n")
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out

	err := cmd.Run()
	if ctx.Err() != nil {
		slog.Warn("[BT] query timed out", "command", firstLine(command), "timeout", timeout)
		return ""
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		slog.Warn("[BT] query failed", "command", firstLine(command), "error", err)
		return ""
	}
	text := StripANSI(out.String())
	slog.Debug("[BT] query", "command", firstLine(command), "output", text)
	return text
}

// Open implements Shell.
func (e *Exec) Open() (Session, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("shell: pipe: %w", err)
	}

	cmd := exec.Command(e.Path)
	cmd.Stdout = pw
	cmd.Stderr = pw
	stdin, err := cmd.StdinPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("shell: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("shell: start %s: %w", e.Path, err)
	}
	// The child holds its own copy; ours must go so the reader sees EOF.
	pw.Close()

	grace := e.CloseGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	s := &execSession{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 256),
		grace: grace,
	}
	go s.readLines(pr)
	slog.Debug("[BT] session opened", "pid", cmd.Process.Pid)
	return s, nil
}

// execSession is a running interactive shell. A reader goroutine turns the
// output pipe into a channel of cleaned lines; WaitFor consumes it.
type execSession struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	grace time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (s *execSession) readLines(r io.ReadCloser) {
	defer close(s.lines)
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(StripANSI(scanner.Text()))
		if line == "" {
			continue
		}
		slog.Debug("[BT] <", "line", line)
		s.lines <- line
	}
}

func (s *execSession) Send(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	slog.Debug("[BT] >", "line", line)
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		return fmt.Errorf("shell: send %q: %w", firstLine(line), err)
	}
	return nil
}

func (s *execSession) WaitFor(keywords []string, timeout time.Duration) WaitResult {
	var res WaitResult
	if timeout <= 0 {
		return res
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				res.Closed = true
				return res
			}
			res.Lines = append(res.Lines, line)
			if kw := MatchKeyword(line, keywords); kw != "" {
				res.Keyword = kw
				res.Line = line
				return res
			}
		case <-timer.C:
			return res
		}
	}
}

func (s *execSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.Send("exit")
		_ = s.stdin.Close()
		// Keep draining so a chatty shell never blocks on a full pipe.
		go func() {
			for range s.lines {
			}
		}()

		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()
		select {
		case err := <-done:
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				s.closeErr = fmt.Errorf("shell: wait: %w", err)
			}
		case <-time.After(s.grace):
			slog.Warn("[BT] shell did not exit, killing", "pid", s.cmd.Process.Pid, "grace", s.grace)
			_ = s.cmd.Process.Kill()
			<-done
			s.closeErr = fmt.Errorf("shell: killed after %s", s.grace)
		}
	})
	return s.closeErr
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

var (
	_ Shell   = (*Exec)(nil)
	_ Session = (*execSession)(nil)
)
