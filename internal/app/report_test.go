package app

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"rewind/internal/rewind"
)

func TestWriteReport(t *testing.T) {
	r := &rewind.Report{
		Operation: "restore",
		RunID:     "run-1",
		Phases: []*rewind.PhaseResult{
			{Phase: rewind.PhasePreflight, Status: rewind.StatusOK},
			{Phase: rewind.PhaseCleanup, Status: rewind.StatusOK, Messages: []string{"removed stack C"}},
			{Phase: rewind.PhaseApply, Status: rewind.StatusPartial, Err: errors.New("port in use")},
		},
		FilesRestored: true,
		Removed:       []string{"C"},
		Stacks: []*rewind.StackOutcome{
			{Name: "A", Started: true, Up: true},
			{Name: "D", Err: errors.New("starting: port in use")},
		},
	}

	var buf bytes.Buffer
	if err := WriteReport(&buf, r); err != nil {
		t.Fatalf("WriteReport() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"restore run-1: partial\n",
		"removed stack C",
		"error: port in use",
		"stacks:",
		"failed: starting: port in use",
		"result: files restored, 1 stack(s) removed, 1 of 2 stacks failed to start\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if lines := strings.Split(out, "\n"); !strings.Contains(lines[1], "preflight") || !strings.Contains(lines[1], "ok") {
		t.Errorf("first phase line = %q", lines[1])
	}
}

func TestWriteReport_noStacks(t *testing.T) {
	r := &rewind.Report{
		Operation:  "backup",
		RunID:      "run-2",
		SnapshotID: "rewind-20260301T020000Z",
		Phases:     []*rewind.PhaseResult{{Phase: rewind.PhaseArchive, Status: rewind.StatusOK}},
	}

	var buf bytes.Buffer
	if err := WriteReport(&buf, r); err != nil {
		t.Fatalf("WriteReport() error = %v", err)
	}
	if strings.Contains(buf.String(), "stacks:") {
		t.Errorf("backup report lists stacks:\n%s", buf.String())
	}
	if !strings.HasSuffix(buf.String(), "result: snapshot rewind-20260301T020000Z\n") {
		t.Errorf("output = %q", buf.String())
	}
}
