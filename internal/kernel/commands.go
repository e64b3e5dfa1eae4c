package kernel

import (
	"time"

	"github.com/dustin/go-humanize"

	"stompy/internal/admin"
	"stompy/internal/feed"
	"stompy/internal/streamq"
	"stompy/internal/telemetry"
)

// command applies one batch of operator commands in order.
func (k *Kernel) command(batch []admin.Command) {
	for _, cmd := range batch {
		switch cmd.Kind {
		case admin.KindHold:
			if !k.validTopic(cmd.Topic) {
				continue
			}
			flushed := k.queues.Hold(cmd.Topic)
			k.server.Hold(cmd.Topic)
			k.logger.Info("topic held", "topic", k.cfg.Topics[cmd.Topic].Name, "flushed", flushed)
		case admin.KindRelease:
			if !k.validTopic(cmd.Topic) {
				continue
			}
			if k.draining {
				k.logger.Info("release ignored during shutdown", "topic", k.cfg.Topics[cmd.Topic].Name)
				continue
			}
			k.queues.Release(cmd.Topic)
			k.server.Release(cmd.Topic)
			k.logger.Info("topic released", "topic", k.cfg.Topics[cmd.Topic].Name)
		case admin.KindShutdown:
			k.logger.Info("controlled shutdown requested by operator")
			k.sig.TriggerSoftStop()
		case admin.KindStatus:
			k.logStatus()
		}
	}
}

func (k *Kernel) validTopic(topic int) bool {
	return topic >= 0 && topic < len(k.cfg.Topics)
}

// statuses returns a snapshot of every topic queue.
func (k *Kernel) statuses() []streamq.TopicStatus {
	statuses := make([]streamq.TopicStatus, len(k.cfg.Topics))
	for idx := range statuses {
		statuses[idx] = k.queues.Status(idx)
	}

	return statuses
}

// survey collects the alarm report inputs. Discard mode has no consumer side
// to report on.
func (k *Kernel) survey() telemetry.Survey {
	survey := telemetry.Survey{FeedUp: k.manager.State() == feed.StateRunning}
	if k.cfg.Discard {
		return survey
	}
	for _, status := range k.statuses() {
		survey.Topics = append(survey.Topics, telemetry.TopicAlarm{
			Index:      status.Index,
			Name:       status.Name,
			ConsumerUp: k.server.Status(status.Index).Connected,
			Live:       status.State == streamq.Live,
			SpoolCount: status.SpoolCount,
			Oldest:     status.SpoolOldest,
			HasBacklog: status.HasBacklog,
		})
	}

	return survey
}

// logStatus dumps the relay state to the log.
func (k *Kernel) logStatus() {
	now := k.opts.now()
	k.logger.Info("system status",
		"pool_free", k.pool.Free(),
		"pool_size", k.pool.Size(),
		"feed_state", k.manager.State().String(),
		"feed_holdoff", k.manager.Holdoff(),
		"feed_connects", k.manager.Connects(),
		"draining", k.draining,
	)
	for _, status := range k.statuses() {
		consumer := k.server.Status(status.Index)
		attrs := []any{
			"topic", status.Name,
			"state", status.State.String(),
			"queued", status.Queued,
			"in_flight", status.InFlight,
			"on_disk", status.SpoolCount,
			"listening", consumer.Listening,
			"consumer_connected", consumer.Connected,
			"consumer_state", consumer.State.String(),
		}
		if status.HasBacklog {
			oldest := time.UnixMicro(status.SpoolOldest).UTC()
			attrs = append(attrs,
				"oldest", oldest.Format(time.RFC3339),
				"oldest_age", humanize.RelTime(oldest, now, "ago", "from now"),
			)
		}
		k.logger.Info("topic status", attrs...)
	}
}
