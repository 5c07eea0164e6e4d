package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/client/ui"
	"github.com/aeolun/relaychat/pkg/protocol"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	flagSet := pflag.NewFlagSet("relaychat", pflag.ExitOnError)
	addr := flagSet.StringP("addr", "a", "localhost:6465", "Server address (host:port, ssh://host, ws://host)")
	tui := flagSet.Bool("tui", false, "Start the terminal UI instead of line mode")
	noNotify := flagSet.Bool("no-notify", false, "Disable desktop notifications in the terminal UI")
	logFile := flagSet.String("log", "", "Write connection diagnostics to this file")
	version := flagSet.Bool("version", false, "Show version information")
	flagSet.Parse(os.Args[1:])

	if *version {
		fmt.Printf("RelayChat Client %s\n", Version)
		os.Exit(0)
	}

	conn, err := client.NewConnection(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid server address: %v\n", err)
		os.Exit(2)
	}

	var logger *log.Logger
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
		conn.SetLogger(logger)
	}

	if err := conn.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if *tui {
		notify := ui.Notifier(ui.DesktopNotifier)
		if *noNotify {
			notify = nil
		}
		p := tea.NewProgram(ui.NewModel(conn, notify, logger), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runLineMode(conn, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// runLineMode sends each line of in as a frame and prints server output to
// out until the server hangs up. Lines that cannot be framed are reported to
// errOut and skipped.
func runLineMode(conn *client.Connection, in io.Reader, out, errOut io.Writer) error {
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			err := conn.Send(strings.TrimRight(scanner.Text(), "\r"))
			if err == nil {
				continue
			}
			if errors.Is(err, protocol.ErrInvalidCharset) {
				fmt.Fprintf(errOut, "Not sent, only US-ASCII text is allowed: %v\n", err)
				continue
			}
			fmt.Fprintf(errOut, "Send failed: %v\n", err)
			return
		}
	}()

	for line := range conn.Lines() {
		fmt.Fprintln(out, line)
	}

	select {
	case err := <-conn.Errors():
		return fmt.Errorf("connection lost: %w", err)
	default:
		return nil
	}
}
