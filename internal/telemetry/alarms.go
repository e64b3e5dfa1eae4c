package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// TopicAlarm is the per-topic input to the alarm survey.
type TopicAlarm struct {
	Index      int
	Name       string
	ConsumerUp bool
	Live       bool
	SpoolCount int
	Oldest     int64
	HasBacklog bool
}

// Survey is a snapshot of everything the alarm report inspects. Topics is
// empty in discard mode.
type Survey struct {
	FeedUp bool
	Topics []TopicAlarm
}

// AlarmReport renders the active alarms and reports whether any is active.
// A spool whose oldest message is older than maxAge raises an alarm.
func AlarmReport(now time.Time, survey Survey, maxAge time.Duration) (string, bool) {
	var b strings.Builder
	active := false

	if !survey.FeedUp {
		active = true
		b.WriteString("\nAlarm report:\n")
		b.WriteString("STOMP connection is down.\n")
	}

	for _, topic := range survey.Topics {
		tooOld := false
		var oldest time.Time
		if topic.HasBacklog && topic.SpoolCount > 0 {
			oldest = time.UnixMicro(topic.Oldest).UTC()
			tooOld = now.Sub(oldest) > maxAge
		}
		if !tooOld && topic.Live && topic.ConsumerUp {
			continue
		}
		if !active {
			active = true
			b.WriteString("\nActive alarms:\n")
		}
		if !topic.ConsumerUp {
			fmt.Fprintf(&b, "Stream %d (%s) client connection is down.\n", topic.Index, topic.Name)
		}
		if !topic.Live {
			fmt.Fprintf(&b, "Stream %d (%s) is currently routing messages to disc.  %d messages on disc.\n",
				topic.Index, topic.Name, topic.SpoolCount)
		}
		if tooOld {
			fmt.Fprintf(&b, "Stream %d (%s) oldest message in disc queue is stamped %s (%s).\n",
				topic.Index, topic.Name, oldest.Format("02/01/06 15:04:05"), humanize.RelTime(oldest, now, "ago", "from now"))
		}
	}
	b.WriteString("\n")

	return b.String(), active
}
