package notify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestCommandNotifierRunsMailer verifies the subject argument and the report file content.
func TestCommandNotifierRunsMailer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(dir, "mail.out")
	script := filepath.Join(dir, "sendreport")
	body := "#!/bin/sh\nprintf '%s\\n' \"$1\" > " + out + "\ncat \"$2\" >> " + out + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script failed: %v", err)
	}

	notifier, err := NewCommandNotifierFromConfig("mail",
		[]byte(`{"path":"`+script+`","temp_dir":"`+dir+`"}`),
		Identity{Name: "stompy", Build: "test", Host: "relayhost"},
		discardLogger(),
	)
	if err != nil {
		t.Fatalf("new notifier failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := notifier.Notify(ctx, Notification{Title: "STOMP Alarm", Body: "STOMP connection failed."}); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	content, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output failed: %v", err)
	}
	want := "[openrail-stompy] STOMP Alarm\nReport from stompy build test at relayhost\n\nSTOMP connection failed.\n"
	if string(content) != want {
		t.Fatalf("output = %q, want %q", content, want)
	}

	leftovers, err := filepath.Glob(filepath.Join(dir, "stompy-report-*"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("report files left behind: %v", leftovers)
	}
}

// TestCommandNotifierReportsFailure verifies a failing mailer surfaces an error.
func TestCommandNotifierReportsFailure(t *testing.T) {
	t.Parallel()

	notifier, err := NewCommandNotifierFromConfig("mail",
		[]byte(`{"path":"/bin/false","temp_dir":"`+t.TempDir()+`"}`),
		Identity{}, discardLogger())
	if err != nil {
		t.Fatalf("new notifier failed: %v", err)
	}
	if err := notifier.Notify(context.Background(), Notification{Title: "x"}); err == nil {
		t.Fatal("expected mailer failure")
	}
}
