package telemetry

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// FlowChange is the outcome of silence detection for one minute.
type FlowChange uint8

const (
	// FlowUnchanged means no alarm edge this minute.
	FlowUnchanged FlowChange = iota
	// FlowSilent means the monitored topics just completed the silence threshold.
	FlowSilent
	// FlowResumed means messages arrived after a reported silence.
	FlowResumed
)

// Rates keeps per-minute message counts per topic, the rolling mean over a
// window of minutes, and silence detection across the monitored topics.
type Rates struct {
	names     []string
	monitored []bool
	window    int
	threshold int
	counts    [][]int
	index     int
	filled    bool
	silent    int
	lastHour  int
}

// NewRates creates a rates tracker. threshold is the number of consecutive
// silent minutes that raise the silence alarm.
func NewRates(names []string, monitored []bool, window int, threshold int) *Rates {
	window = max(1, window)
	counts := make([][]int, len(names))
	for idx := range counts {
		counts[idx] = make([]int, window)
	}

	return &Rates{
		names:     names,
		monitored: monitored,
		window:    window,
		threshold: max(1, threshold),
		counts:    counts,
		lastHour:  -1,
	}
}

// Count adds n messages to topic's current minute.
func (r *Rates) Count(topic int, n int) {
	if topic < 0 || topic >= len(r.counts) {
		return
	}
	r.counts[topic][r.index] += n
}

// Threshold returns the silence threshold in minutes.
func (r *Rates) Threshold() int {
	return r.threshold
}

// Minute writes the line for the minute just ended, advances the window and
// reports a silence edge.
func (r *Rates) Minute(now time.Time, w io.Writer) (FlowChange, error) {
	var b strings.Builder
	r.header(now, &b)
	b.WriteString(stamp(now))

	total, watching := 0, false
	for idx := range r.counts {
		current := r.counts[idx][r.index]
		if idx < len(r.monitored) && r.monitored[idx] {
			total += current
			watching = true
		}
		if !r.filled {
			fmt.Fprintf(&b, "|  %5d     -  ", current)
			continue
		}
		sum := 0
		for _, c := range r.counts[idx] {
			sum += c
		}
		fmt.Fprintf(&b, "|  %5d %5d  ", current, (sum+r.window/2)/r.window)
	}

	r.index++
	if r.index >= r.window {
		r.filled = true
	}
	r.index %= r.window
	for idx := range r.counts {
		r.counts[idx][r.index] = 0
	}

	change := FlowUnchanged
	if watching {
		change = r.detect(total)
		switch change {
		case FlowSilent:
			fmt.Fprintf(&b, "  %s", SilenceText(r.threshold))
		case FlowResumed:
			fmt.Fprintf(&b, "  %s", ResumedText)
		}
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(w, b.String()); err != nil {
		return change, fmt.Errorf("write rates line: %w", err)
	}

	return change, nil
}

// Note writes a timestamped event line.
func (r *Rates) Note(now time.Time, w io.Writer, text string) error {
	var b strings.Builder
	r.header(now, &b)
	b.WriteString(stamp(now))
	b.WriteString(text)
	b.WriteByte('\n')
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write rates note: %w", err)
	}

	return nil
}

func (r *Rates) detect(total int) FlowChange {
	if total == 0 {
		if r.silent < r.threshold {
			r.silent++
			if r.silent == r.threshold {
				return FlowSilent
			}
		}
		return FlowUnchanged
	}
	resumed := r.silent >= r.threshold
	r.silent = 0
	if resumed {
		return FlowResumed
	}

	return FlowUnchanged
}

func (r *Rates) header(now time.Time, b *strings.Builder) {
	hour := now.UTC().Hour()
	if hour == r.lastHour {
		return
	}
	r.lastHour = hour
	b.WriteString(strings.Repeat(" ", 19))
	for _, name := range r.names {
		fmt.Fprintf(b, "|  %7s      ", name)
	}
	b.WriteByte('\n')
	b.WriteString(strings.Repeat(" ", 19))
	for range r.names {
		b.WriteString("|         Mean  ")
	}
	fmt.Fprintf(b, "  Means calculated over %d minutes.\n", r.window)
}

func stamp(now time.Time) string {
	return now.UTC().Format("02/01/06 15:04:05Z ")
}

// ResumedText is the flow-resumed notification.
const ResumedText = "STOMP message flow has resumed."

// SilenceText is the silence notification for a threshold in minutes.
func SilenceText(minutes int) string {
	return fmt.Sprintf("No STOMP frames received in %d minutes.", minutes)
}

// RatesFile appends to the rates log, opening it per write so the file can be
// rotated underneath the relay. An empty path discards everything.
type RatesFile struct {
	path string
}

// NewRatesFile creates an appender for path.
func NewRatesFile(path string) *RatesFile {
	return &RatesFile{path: path}
}

// Append opens the file, runs write against it and closes it.
func (f *RatesFile) Append(write func(io.Writer) error) error {
	if f.path == "" {
		return write(io.Discard)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open rates file %s: %w", f.path, err)
	}
	writeErr := write(file)
	if err := file.Close(); err != nil && writeErr == nil {
		writeErr = fmt.Errorf("close rates file %s: %w", f.path, err)
	}

	return writeErr
}
