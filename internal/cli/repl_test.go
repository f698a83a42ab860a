package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// execStub records which commands the REPL dispatched.
type execStub struct {
	calls   []string
	syncErr error
}

func (s *execStub) Capture(_ context.Context, args []string) error {
	s.calls = append(s.calls, "capture "+strings.Join(args, " "))
	return nil
}

func (s *execStub) List(_ context.Context, args []string) error {
	s.calls = append(s.calls, "list "+strings.Join(args, " "))
	return nil
}

func (s *execStub) Pending(context.Context) error {
	s.calls = append(s.calls, "pending")
	return nil
}

func (s *execStub) Stats(context.Context) error {
	s.calls = append(s.calls, "stats")
	return nil
}

func (s *execStub) Sync(context.Context) error {
	s.calls = append(s.calls, "sync")
	return s.syncErr
}

func (s *execStub) ResetKey(context.Context) error {
	s.calls = append(s.calls, "reset-key")
	return nil
}

func runWithInput(t *testing.T, stub *execStub, input string) []string {
	t.Helper()

	var output []string
	orig := printlnFn
	printlnFn = func(a ...any) (int, error) {
		output = append(output, strings.TrimRight(fmt.Sprintln(a...), "\n"))
		return 0, nil
	}
	t.Cleanup(func() { printlnFn = orig })

	scanner := bufio.NewScanner(strings.NewReader(input))
	runREPL(context.Background(), stub, func() string { return "online" }, scanner)
	return output
}

func TestRunREPL_DispatchesCommands(t *testing.T) {
	stub := &execStub{}
	runWithInput(t, stub, "capture visit.json\nlist f1\nl\npending\nstats\nsync\nexit\n")

	assert.Equal(t, []string{
		"capture visit.json",
		"list f1",
		"list ",
		"pending",
		"stats",
		"sync",
	}, stub.calls)
}

func TestRunREPL_UnknownCommand(t *testing.T) {
	stub := &execStub{}
	output := runWithInput(t, stub, "frobnicate\nquit\n")

	assert.Empty(t, stub.calls)
	assert.Contains(t, output, "Unknown command: frobnicate")
}

func TestRunREPL_BlankLinesIgnored(t *testing.T) {
	stub := &execStub{}
	runWithInput(t, stub, "\n   \npending\nexit\n")

	assert.Equal(t, []string{"pending"}, stub.calls)
}

func TestRunREPL_CommandErrorIsPrintedNotFatal(t *testing.T) {
	stub := &execStub{syncErr: errors.New("device is offline")}
	output := runWithInput(t, stub, "sync\npending\nexit\n")

	assert.Equal(t, []string{"sync", "pending"}, stub.calls, "loop survives a command error")
	assert.Contains(t, output, "Error: device is offline")
}

func TestRunREPL_ExitsOnEOF(t *testing.T) {
	stub := &execStub{}
	runWithInput(t, stub, "pending")

	assert.Equal(t, []string{"pending"}, stub.calls)
}
