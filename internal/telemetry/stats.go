package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Counter names one fixed statistics category.
type Counter int

const (
	// CounterFeedBytes counts bytes read from the feed socket.
	CounterFeedBytes Counter = iota
	// CounterConnectAttempts counts feed connection attempts.
	CounterConnectAttempts
	// CounterMessages counts MESSAGE frames accepted.
	CounterMessages
	// CounterSpoolWrites counts messages written to a spool.
	CounterSpoolWrites
	// CounterSpoolReads counts messages loaded back from a spool.
	CounterSpoolReads
	// CounterDiscarded counts inbound frames dropped as malformed or unexpected.
	CounterDiscarded
	counterFixed
)

var counterLabels = [counterFixed]string{
	CounterFeedBytes:       "STOMP Bytes",
	CounterConnectAttempts: "STOMP Connect Attempt",
	CounterMessages:        "STOMP Message",
	CounterSpoolWrites:     "Frame Disc Write",
	CounterSpoolReads:      "Frame Disc Read",
	CounterDiscarded:       "STOMP Frame Discarded",
}

// Stats holds the day and grand-total counters behind the statistics report.
type Stats struct {
	topics       []string
	day          [counterFixed]uint64
	total        [counterFixed]uint64
	sentDay      []uint64
	sentTotal    []uint64
	longestDay   uint64
	longestTotal uint64
	started      time.Time
}

// NewStats creates zeroed statistics for the named topics.
func NewStats(topics []string, started time.Time) *Stats {
	return &Stats{
		topics:    topics,
		sentDay:   make([]uint64, len(topics)),
		sentTotal: make([]uint64, len(topics)),
		started:   started,
	}
}

// Add increments a fixed counter.
func (s *Stats) Add(counter Counter, n uint64) {
	if counter < 0 || counter >= counterFixed {
		return
	}
	s.day[counter] += n
}

// Sent counts one message delivered to topic's consumer.
func (s *Stats) Sent(topic int) {
	if topic < 0 || topic >= len(s.sentDay) {
		return
	}
	s.sentDay[topic]++
}

// Frame records the wire size of one inbound frame.
func (s *Stats) Frame(size int) {
	if size > 0 && uint64(size) > s.longestDay {
		s.longestDay = uint64(size)
	}
}

// Day returns the current day value of counter.
func (s *Stats) Day(counter Counter) uint64 {
	if counter < 0 || counter >= counterFixed {
		return 0
	}

	return s.day[counter]
}

// Total returns the grand total of counter including the current day.
func (s *Stats) Total(counter Counter) uint64 {
	if counter < 0 || counter >= counterFixed {
		return 0
	}

	return s.total[counter] + s.day[counter]
}

// Report renders the statistics report, folds the day counters into the grand
// totals and starts a new day.
func (s *Stats) Report(now time.Time) string {
	var b strings.Builder
	line := func(label string, day string, total string) {
		fmt.Fprintf(&b, "%27s: %-14s %s\n", label, day, total)
	}

	line("", "Day", "Total")
	line("Run time", "", fmt.Sprintf("%d days", int(now.Sub(s.started)/(24*time.Hour))))
	for counter := Counter(0); counter < counterFixed; counter++ {
		s.total[counter] += s.day[counter]
		if counter == CounterSpoolWrites {
			for idx, name := range s.topics {
				s.sentTotal[idx] += s.sentDay[idx]
				line(name+" Frame Sent", comma(s.sentDay[idx]), comma(s.sentTotal[idx]))
				s.sentDay[idx] = 0
			}
		}
		line(counterLabels[counter], comma(s.day[counter]), comma(s.total[counter]))
		s.day[counter] = 0
	}
	s.longestTotal = max(s.longestTotal, s.longestDay)
	line("Longest STOMP frame", comma(s.longestDay), comma(s.longestTotal))
	s.longestDay = 0

	return b.String()
}

func comma(v uint64) string {
	return humanize.Comma(int64(v))
}
