package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/dohr-michael/flowd/internal/bus"
)

// MessageLogger persists workflow bus messages to JSONL files organized by
// session.
type MessageLogger struct {
	dir     string
	cancels []func()
}

// NewMessageLogger subscribes to the engine's published topics and writes
// every message as JSONL to dir, one file per session.
func NewMessageLogger(dir string, b *bus.Bus) *MessageLogger {
	ml := &MessageLogger{dir: dir}
	for _, topic := range []bus.Topic{bus.TopicWorkflowEvent, bus.TopicRequestCommand} {
		ml.cancels = append(ml.cancels, b.Subscribe(topic, bus.ModeFanout, bus.OffsetNow, ml.handle))
	}
	return ml
}

// Close unsubscribes the logger from the bus.
func (ml *MessageLogger) Close() {
	for _, cancel := range ml.cancels {
		cancel()
	}
}

func (ml *MessageLogger) handle(m bus.Message) error {
	return ml.writeMessage(m)
}

func (ml *MessageLogger) writeMessage(m bus.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	path := ml.logPath(m.Headers.SessionID)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

func (ml *MessageLogger) logPath(sessionID string) string {
	if sessionID == "" {
		return filepath.Join(ml.dir, "_global.jsonl")
	}
	return filepath.Join(ml.dir, sessionID+".jsonl")
}
