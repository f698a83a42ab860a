package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	Capture(ctx context.Context, args []string) error
	List(ctx context.Context, args []string) error
	Pending(ctx context.Context) error
	Stats(ctx context.Context) error
	Sync(ctx context.Context) error
	ResetKey(ctx context.Context) error
}

// runREPL starts a simple read–eval–print loop for the FieldSync CLI.
//
// It reads a line from the provided scanner, parses the first token as the
// command, and dispatches to methods on 'a'. Unknown commands are reported
// back to the user. The loop exits on scanner EOF or when the user types
// "exit" or "quit".
//
// Commands:
//
//	capture <file.json> — store an offline response described by the file
//	list [form-id]      — show queued responses, optionally for one form
//	pending             — show the pending-response count
//	stats               — show local photo storage usage
//	sync                — push queued responses to the server now
//	reset-key           — destroy the device encryption key (irreversible)
//	exit | quit         — leave the program
//
// Any errors returned by command handlers are printed here; the loop
// itself never terminates on a command error.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	printlnFn("FieldSync offline capture client (type 'help' for commands)")

	for {
		fmt.Printf("fieldsync (%s)> ", statusFn())
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := parts[0]
		args := parts[1:]

		var err error
		switch cmd {
		case "help":
			printlnFn("Available commands: capture <file>, list [form-id], pending, stats, sync, reset-key, exit")

		case "capture":
			err = a.Capture(ctx, args)

		case "l", "list":
			err = a.List(ctx, args)

		case "pending":
			err = a.Pending(ctx)

		case "stats":
			err = a.Stats(ctx)

		case "sync":
			err = a.Sync(ctx)

		case "reset-key":
			err = a.ResetKey(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}

		if err != nil {
			printlnFn("Error:", err)
		}
	}
}
