package commands

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/groundplan/groundplan/pkg/engine"
)

func TestPrintResults_FailedNodes(t *testing.T) {
	results := []engine.NodeResult{
		{Kind: engine.NodeSecurityGroup, Action: engine.ActionCreate, ID: "sg-1", Duration: time.Second},
		{
			Kind: engine.NodeKeyPair,
			Err: &engine.PreconditionError{
				Node:      engine.NodeKeyPair,
				Condition: "ssh_public_key_required",
				Message:   "create_key_pair is true but ssh_public_key is empty",
			},
		},
		{Kind: engine.NodeInstance, Action: engine.ActionSkipped, SkipReason: "dependency key_pair failed"},
	}

	var buf bytes.Buffer
	printResults(&buf, results)
	out := buf.String()

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "+ security_group") || !strings.Contains(lines[0], "created sg-1") {
		t.Errorf("create line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "x key_pair") || !strings.Contains(lines[1], "failed:") {
		t.Errorf("failure line = %q", lines[1])
	}
	if strings.Contains(lines[1], "d  in") {
		t.Errorf("failure line rendered as a completed action: %q", lines[1])
	}
	if !strings.Contains(lines[2], "! instance") || !strings.Contains(lines[2], "skipped") {
		t.Errorf("skip line = %q", lines[2])
	}
}

func TestPrintResults_FailedCreateIsNotReportedAsDone(t *testing.T) {
	results := []engine.NodeResult{
		{
			Kind:   engine.NodeInstance,
			Action: engine.ActionCreate,
			Err: &engine.ProviderError{
				Kind:      engine.NodeInstance,
				Operation: "create",
				Err:       errors.New("capacity exceeded"),
			},
		},
	}

	var buf bytes.Buffer
	printResults(&buf, results)
	out := buf.String()

	if !strings.Contains(out, "x instance") || !strings.Contains(out, "failed:") {
		t.Errorf("Expected failure rendering, got: %q", out)
	}
	if strings.Contains(out, "created") {
		t.Errorf("Failed create must not render as created: %q", out)
	}
}
