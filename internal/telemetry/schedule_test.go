package telemetry

import (
	"testing"
	"time"
)

// TestScheduleDueArmsFirst verifies that the first poll only arms the schedule.
func TestScheduleDueArmsFirst(t *testing.T) {
	t.Parallel()

	schedule, err := ParseSchedule("0 4 * * *")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	start := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	if schedule.Due(start) {
		t.Fatal("first poll reported due")
	}
	if want := time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC); !schedule.Next(start).Equal(want) {
		t.Fatalf("next = %v, want %v", schedule.Next(start), want)
	}
	if schedule.Due(start.Add(59 * time.Minute)) {
		t.Fatal("due before the hour")
	}
	if !schedule.Due(start.Add(time.Hour)) {
		t.Fatal("not due on the hour")
	}
	if schedule.Due(start.Add(time.Hour + time.Second)) {
		t.Fatal("due twice for one occurrence")
	}
	if want := time.Date(2024, 3, 2, 4, 0, 0, 0, time.UTC); !schedule.Next(start).Equal(want) {
		t.Fatalf("rearmed next = %v, want %v", schedule.Next(start), want)
	}
}

// TestParseScheduleRejectsGarbage verifies the parse error path.
func TestParseScheduleRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := ParseSchedule("every tuesday"); err == nil {
		t.Fatal("expected parse error")
	}
}
