package kernel

import (
	"fmt"
	"os"
	"time"

	"stompy/internal/feed"
)

// topicSink commits accepted upstream messages. A nil return lets the manager
// ACK the message.
type topicSink struct {
	kernel *Kernel
}

func (s topicSink) Accept(message feed.Message) error {
	k := s.kernel
	if !k.cfg.Discard {
		if err := k.queues.Enqueue(message.Topic, message.Body); err != nil {
			return fmt.Errorf("commit message %s: %w", message.MessageID, err)
		}
	}
	k.telemetry.MessageAccepted(message.Topic, message.Body)

	return nil
}

// deliveryObserver fans consumer events out to telemetry and the audit logs.
type deliveryObserver struct {
	kernel *Kernel
}

func (o deliveryObserver) ConsumerConnected(topic int) {
	o.kernel.telemetry.ConsumerConnected(topic)
}

func (o deliveryObserver) ConsumerLost(topic int, err error) {
	o.kernel.telemetry.ConsumerLost(topic, err)
}

func (o deliveryObserver) Delivered(topic int, body []byte, stamp int64) {
	k := o.kernel
	k.telemetry.Delivered(topic, body, stamp)
	if topic < 0 || topic >= len(k.audits) {
		return
	}
	if err := k.audits[topic].Write(k.opts.now(), body); err != nil {
		k.logger.Warn("audit log write failed", "topic", k.cfg.Topics[topic].Name, "error", err)
	}
}

// auditLog appends one entry per acknowledged message, opening the file per
// write so it can be rotated underneath the relay. An empty path disables it.
type auditLog struct {
	path  string
	topic string
}

func newAuditLog(path string, topic string) *auditLog {
	return &auditLog{path: path, topic: topic}
}

// Write appends a "DD/MM/YY HH:MM:SSZ <topic>" line followed by the body.
func (a *auditLog) Write(now time.Time, body []byte) error {
	if a.path == "" {
		return nil
	}
	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log %s: %w", a.path, err)
	}
	_, writeErr := fmt.Fprintf(file, "%s %s\n%s\n", now.UTC().Format("02/01/06 15:04:05Z"), a.topic, body)
	if err := file.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return fmt.Errorf("write audit log %s: %w", a.path, writeErr)
	}

	return nil
}
