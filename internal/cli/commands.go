// Package cli implements the interactive console for managing sessions.
package cli

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/botlink/internal/db"
	"github.com/energizer-project/botlink/internal/protocol"
	"github.com/energizer-project/botlink/internal/session"
)

// CLI provides an interactive command-line interface over a session hub.
type CLI struct {
	hub     *session.Hub
	journal *db.Journal
	quit    func()

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
// quit is called when the user asks to shut down. journal may be nil.
func NewCLI(hub *session.Hub, journal *db.Journal, in io.Reader, out io.Writer, quit func()) *CLI {
	if quit == nil {
		quit = func() {}
	}
	return &CLI{
		hub:     hub,
		journal: journal,
		quit:    quit,
		in:      in,
		out:     out,
	}
}

// Start runs the read-eval loop until ctx is cancelled, input ends or the
// user quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nbotlink console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("console input failed")
		}
	}()

	for {
		fmt.Fprint(c.out, "botlink> ")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if c.execute(ctx, strings.ToLower(parts[0]), parts[1:]) {
			return
		}
	}
}

// execute runs one command. It reports whether the console should exit.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) bool {
	var err error
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		err = c.printStatus(args)
	case "connect":
		err = c.cmdConnect(ctx, args)
	case "disconnect":
		err = c.cmdDisconnect(ctx, args)
	case "routes":
		err = c.printRoutes(args)
	case "send":
		err = c.cmdSend(ctx, args)
	case "history":
		err = c.printHistory(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down botlink...")
		c.quit()
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
Commands:
  status [session]              Show all sessions or one in detail
  connect <session>             Connect a session
  disconnect <session>          Disconnect a session
  routes <session>              List registered opcode handlers
  send <session> <op> [hex]     Send a message (opcode, hex body)
  history <session> [n]         Show the last n lifecycle events
  quit                          Shut down botlink
  help                          Show this help message`)
}

// printStatus displays session status in a formatted table.
func (c *CLI) printStatus(args []string) error {
	if len(args) > 0 {
		sess, err := c.hub.Get(args[0])
		if err != nil {
			return err
		}
		c.printSessionDetail(sess.Status())
		return nil
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Session", "Endpoint", "Transport", "State", "Attempts", "Frames In", "Frames Out", "Routes"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, st := range c.hub.Statuses() {
		tw.Append([]string{
			st.Name,
			fmt.Sprintf("%s:%d", st.Host, st.Port),
			st.Transport,
			strings.ToUpper(st.State),
			strconv.Itoa(st.Attempts),
			strconv.FormatUint(st.Stats.FramesIn, 10),
			strconv.FormatUint(st.Stats.FramesOut, 10),
			strconv.Itoa(st.Routes),
		})
	}

	tw.Render()
	return nil
}

func (c *CLI) printSessionDetail(st session.Status) {
	fmt.Fprintf(c.out, "\n  Session:        %s\n", st.Name)
	fmt.Fprintf(c.out, "  Endpoint:       %s:%d (%s)\n", st.Host, st.Port, st.Transport)
	fmt.Fprintf(c.out, "  State:          %s\n", st.State)
	if st.Remote != "" {
		fmt.Fprintf(c.out, "  Remote:         %s\n", st.Remote)
	}
	if st.Epoch != "" {
		fmt.Fprintf(c.out, "  Epoch:          %s\n", st.Epoch)
	}
	if !st.ConnectedAt.IsZero() {
		fmt.Fprintf(c.out, "  Connected At:   %s\n", st.ConnectedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(c.out, "  Attempts:       %d\n", st.Attempts)
	fmt.Fprintf(c.out, "  Bytes In/Out:   %d / %d\n", st.Stats.BytesIn, st.Stats.BytesOut)
	fmt.Fprintf(c.out, "  Frames In/Out:  %d / %d\n", st.Stats.FramesIn, st.Stats.FramesOut)
	fmt.Fprintf(c.out, "  Unroutable:     %d\n", st.Stats.Unroutable)
	fmt.Fprintf(c.out, "  Handler Errors: %d\n", st.Stats.HandlerErrors)
	fmt.Fprintf(c.out, "  Framing Errors: %d\n", st.Stats.FramingErrors)
	fmt.Fprintf(c.out, "  Reconnects:     %d\n\n", st.Stats.Reconnects)
}

func (c *CLI) cmdConnect(ctx context.Context, args []string) error {
	sess, err := c.sessionArg(args, "connect <session>")
	if err != nil {
		return err
	}
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Session %s connected\n", sess.Name())
	return nil
}

func (c *CLI) cmdDisconnect(ctx context.Context, args []string) error {
	sess, err := c.sessionArg(args, "disconnect <session>")
	if err != nil {
		return err
	}
	if err := sess.Disconnect(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Session %s disconnected\n", sess.Name())
	return nil
}

func (c *CLI) printRoutes(args []string) error {
	sess, err := c.sessionArg(args, "routes <session>")
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Opcode", "Handler"})
	tw.SetBorder(true)
	for _, r := range sess.Router().Routes() {
		tw.Append([]string{r.Opcode.String(), r.Name})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdSend(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: send <session> <opcode> [hex body]")
	}
	sess, err := c.hub.Get(args[0])
	if err != nil {
		return err
	}

	op, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid opcode: %s", args[1])
	}

	var body []byte
	if len(args) > 2 {
		body, err = hex.DecodeString(strings.Join(args[2:], ""))
		if err != nil {
			return fmt.Errorf("invalid hex body: %w", err)
		}
	}

	if err := sess.SendMessage(ctx, protocol.Opcode(op), body); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Sent %s (%d bytes) on %s\n", protocol.Opcode(op), len(body), sess.Name())
	return nil
}

func (c *CLI) printHistory(ctx context.Context, args []string) error {
	if c.journal == nil {
		return fmt.Errorf("journal disabled")
	}
	sess, err := c.sessionArg(args, "history <session> [n]")
	if err != nil {
		return err
	}

	limit := 20
	if len(args) > 1 {
		limit, err = strconv.Atoi(args[1])
		if err != nil || limit <= 0 {
			return fmt.Errorf("invalid count: %s", args[1])
		}
	}

	entries, err := c.journal.History(ctx, sess.Name(), limit)
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Time", "Event", "Attempt", "Remote", "Error"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, e := range entries {
		attempt := "-"
		if e.Attempt > 0 {
			attempt = strconv.Itoa(e.Attempt)
		}
		tw.Append([]string{
			e.At.Local().Format("2006-01-02 15:04:05"),
			string(e.Kind),
			attempt,
			e.Remote,
			e.Error,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) sessionArg(args []string, usage string) (*session.Session, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: %s", usage)
	}
	return c.hub.Get(args[0])
}
