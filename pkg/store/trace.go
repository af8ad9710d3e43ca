package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrBadConversationID rejects ids that would resolve outside the
// trace directory.
var ErrBadConversationID = errors.New("invalid conversation id")

func validConversationID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// TraceSink appends pipeline events to one JSONL file per
// conversation. Each line is a self-contained JSON object with ts and
// conversation_id stamped in, so traces survive process restarts and
// can be tailed with standard tools.
type TraceSink struct {
	dir string
	mu  sync.Mutex
}

// NewTraceSink creates the sink rooted at dir.
func NewTraceSink(dir string) *TraceSink {
	return &TraceSink{dir: dir}
}

func (t *TraceSink) path(conversationID string) string {
	return filepath.Join(t.dir, conversationID+".jsonl")
}

// Append writes one event line. Malformed events are dropped rather
// than corrupting the file.
func (t *TraceSink) Append(conversationID string, event map[string]any) error {
	if !validConversationID(conversationID) {
		return ErrBadConversationID
	}
	payload := make(map[string]any, len(event)+2)
	for k, v := range event {
		payload[k] = v
	}
	payload["ts"] = nowISO()
	payload["conversation_id"] = conversationID

	line, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(t.path(conversationID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadEvents returns up to limit events, keeping the most recent ones
// when the trace is longer. Unparseable lines are skipped.
func (t *TraceSink) ReadEvents(conversationID string, limit int) ([]map[string]any, error) {
	if !validConversationID(conversationID) {
		return nil, ErrBadConversationID
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path(conversationID))
	if os.IsNotExist(err) {
		return []map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []map[string]any{}
	}
	return events, nil
}

// Delete removes the trace file. False when there was none.
func (t *TraceSink) Delete(conversationID string) (bool, error) {
	if !validConversationID(conversationID) {
		return false, ErrBadConversationID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	err := os.Remove(t.path(conversationID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
