package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard asks for a first session on in and saves the result.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║          botlink - First Run Setup           ║")
	fmt.Fprintln(out, "╠══════════════════════════════════════════════╣")
	fmt.Fprintln(out, "║  No sessions configured. Let's add one.      ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	for {
		s := DefaultSession("bot1")

		fmt.Fprintln(out, "── Session ──")
		s.Name = promptString(reader, out, "Session name", s.Name)
		s.Host = promptString(reader, out, "Server host", s.Host)
		s.Port = promptInt(reader, out, "Server port", s.Port)
		s.Transport = strings.ToLower(promptString(reader, out, "Transport (tcp/websocket)", s.Transport))
		if s.Transport == TransportWebSocket {
			s.WSPath = promptString(reader, out, "WebSocket path", "/")
		}
		s.AutoConnect = promptBool(reader, out, "Connect on startup", s.AutoConnect)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Wire Format ──")
		cfg.Framing.HeaderWidth = promptInt(reader, out, "Length header width (2/4)", cfg.Framing.HeaderWidth)
		cfg.Framing.ByteOrder = promptString(reader, out, "Byte order (little/big)", cfg.Framing.ByteOrder)
		cfg.Framing.OpcodeWidth = promptInt(reader, out, "Opcode width (1/2/4)", cfg.Framing.OpcodeWidth)

		cfg.AddSession(s)

		result := Validate(cfg)
		if result.IsValid() {
			for _, w := range result.Warnings {
				log.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		cfg.removeSession(s.Name)

		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) != "yes" {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved successfully!")
	fmt.Fprintln(out)
	return nil
}

func (c *Config) removeSession(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.Sessions[:0]
	for _, s := range c.Sessions {
		if s.Name != name {
			kept = append(kept, s)
		}
	}
	c.Sessions = kept
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
