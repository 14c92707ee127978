package main

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/orbit/internal/agent"
)

func TestRootCmdHasSubcommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"run": false, "chat": false, "serve": false, "sessions": false, "version": false}
	for _, cmd := range root.Commands() {
		name := strings.Fields(cmd.Use)[0]
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %s", name)
		}
	}
}

func TestRunRequiresTask(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run"})
	if err := root.Execute(); err == nil {
		t.Error("run without a task succeeded")
	}
}

func TestStoppedEarlyCoversRunSentinels(t *testing.T) {
	for _, err := range []error{agent.ErrInterrupted, agent.ErrMaxTurns, agent.ErrWallTime} {
		if !stoppedEarly(err) {
			t.Errorf("stoppedEarly(%v) = false", err)
		}
		if !stoppedEarly(fmt.Errorf("run: %w", err)) {
			t.Errorf("stoppedEarly(wrapped %v) = false", err)
		}
	}
	if stoppedEarly(errors.New("provider down")) {
		t.Error("genuine failure treated as a normal stop")
	}
	if stoppedEarly(nil) {
		t.Error("nil error treated as a stop")
	}
}

func TestFirstLineTruncates(t *testing.T) {
	if got := firstLine("one\ntwo"); got != "one ..." {
		t.Errorf("got %q", got)
	}
	if got := firstLine("single"); got != "single" {
		t.Errorf("got %q", got)
	}
}
