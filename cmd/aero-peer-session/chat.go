package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// chatSession is the part of *session.Session the console drives.
type chatSession interface {
	SendData(text string)
	SetMicrophoneEnabled(enabled bool)
	SetCameraEnabled(enabled bool)
	Restart()
}

// console serializes writes from the session's event loop and the stdin
// reader.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, format+"\n", args...)
}

const chatHelp = "commands: /mic on|off, /cam on|off, /restart, /help"

// forwardChat sends every stdin line as a chat message until r is exhausted.
// Lines starting with '/' are local commands.
func forwardChat(r io.Reader, s chatSession, out *console, logger *slog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			s.SendData(line)
			continue
		}
		if err := runCommand(line, s, out); err != nil {
			out.printf("! %v (%s)", err, chatHelp)
		}
	}
	if err := sc.Err(); err != nil {
		logger.Warn("stdin read failed", "err", err)
	}
}

func runCommand(line string, s chatSession, out *console) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/mic", "/cam":
		if len(fields) != 2 {
			return fmt.Errorf("%s needs on or off", fields[0])
		}
		var enabled bool
		switch fields[1] {
		case "on":
			enabled = true
		case "off":
		default:
			return fmt.Errorf("%s: unknown state %q", fields[0], fields[1])
		}
		if fields[0] == "/mic" {
			s.SetMicrophoneEnabled(enabled)
		} else {
			s.SetCameraEnabled(enabled)
		}
		return nil
	case "/restart":
		s.Restart()
		return nil
	case "/help":
		out.printf("%s", chatHelp)
		return nil
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}
