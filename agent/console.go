package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"collabtext/internal/document"
	"collabtext/internal/session"

	"github.com/pkg/errors"
)

// console is the agent's line-oriented editor. A plain line is appended
// to the document; lines starting with a slash are commands.
type console struct {
	manager *session.Manager
	handle  *session.Handle
	out     io.Writer
}

const help = `commands:
  <text>          append a line to the document
  /name <name>    change your display name
  /color <color>  change your color
  /who            list who is editing
  /show           print the document
  /quit           leave`

// run reads commands until in ends, ctx is done or /quit is entered.
func (c *console) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.exec(line)
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// exec runs one line and reports whether the console should stop.
func (c *console) exec(line string) (bool, error) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, "/") {
		if line == "" {
			return false, nil
		}
		return false, c.handle.Document().Append(line + "\n")
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true, nil
	case "/name", "/color":
		if arg == "" {
			return false, errors.Errorf("usage: %s <value>", cmd)
		}
		identity := c.manager.Identity()
		if cmd == "/name" {
			identity.DisplayName = arg
		} else {
			identity.Color = arg
		}
		return false, c.manager.UpdateLocalIdentity(identity)
	case "/who":
		self := c.handle.Provider().Replica()
		for _, e := range c.handle.Presence() {
			marker := " "
			if e.Replica == self {
				marker = "*"
			}
			fmt.Fprintf(c.out, "%s %v (%v)\n", marker, e.State["display_name"], e.State["color"])
		}
		return false, nil
	case "/show":
		text, err := c.handle.Document().Content()
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "--- %s (%s) ---\n%s", c.handle.DocumentID(), c.handle.Provider().State(), text)
		if !strings.HasSuffix(text, "\n") {
			fmt.Fprintln(c.out)
		}
		return false, nil
	case "/help":
		fmt.Fprintln(c.out, help)
		return false, nil
	}
	return false, errors.Errorf("unknown command %s, try /help", cmd)
}

// printRemote echoes remote changes of doc.
func printRemote(out io.Writer, doc *document.Text) func() {
	return doc.Observe(func(_ []byte, origin document.Origin) {
		if origin != document.OriginRemote {
			return
		}
		if text, err := doc.Content(); err == nil {
			fmt.Fprintf(out, "\n--- remote change ---\n%s\n", text)
		}
	})
}
