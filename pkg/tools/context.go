package tools

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/council-works/council/pkg/kb"
	"github.com/council-works/council/pkg/kg"
)

// Settings is the slice of the settings store the tools read.
type Settings interface {
	KBEmbeddingModel() string
	KBSemanticPool() int
}

// Models resolves the privileged model specs.
type Models interface {
	ChairmanModel() string
}

// Conversations lets tools read and extend a conversation's bound KB
// documents.
type Conversations interface {
	KBDocIDs(conversationID string) []string
	AppendKBDocID(conversationID, docID string) error
}

// Context carries the shared dependencies every builtin tool runs
// against. The jobs runner owns job state; tools only see this.
type Context struct {
	KB            *kb.Store
	Retriever     *kb.Retriever
	Graphs        kg.Store
	Extractor     *kg.Extractor
	Settings      Settings
	Models        Models
	Conversations Conversations
	Web           *WebClient
	Logger        *slog.Logger
}

func (c *Context) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// toolError is the result envelope for a tool-reported failure; the
// runner fails the job with the error string.
func toolError(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}

// Payload accessors. Job payloads come off JSON so numbers arrive as
// float64 and lists as []any.

func payloadString(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

func payloadInt(payload map[string]any, key string, fallback int) int {
	v, ok := payload[key]
	if !ok || v == nil {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return fallback
}

func payloadFloat(payload map[string]any, key string, fallback float64) float64 {
	v, ok := payload[key]
	if !ok || v == nil {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return fallback
}

func payloadBool(payload map[string]any, key string, fallback bool) bool {
	v, ok := payload[key]
	if !ok || v == nil {
		return fallback
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}

func payloadStrings(payload map[string]any, key string) []string {
	v, ok := payload[key]
	if !ok || v == nil {
		return nil
	}
	var out []string
	switch list := v.(type) {
	case []string:
		for _, s := range list {
			if t := strings.TrimSpace(s); t != "" {
				out = append(out, t)
			}
		}
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				if t := strings.TrimSpace(s); t != "" {
					out = append(out, t)
				}
			}
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
