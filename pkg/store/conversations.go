package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Discussion modes for a conversation.
const (
	ModeSerious = "serious"
	ModeLively  = "lively"
)

// Message is one conversation turn. User turns carry Content; council
// turns carry the stage payloads the pipeline produced.
type Message struct {
	Role     string           `json:"role"`
	Content  string           `json:"content,omitempty"`
	Stage0   any              `json:"stage0,omitempty"`
	Stage1   []map[string]any `json:"stage1,omitempty"`
	Stage2   []map[string]any `json:"stage2,omitempty"`
	Stage2B  any              `json:"stage2b,omitempty"`
	Stage2C  any              `json:"stage2c,omitempty"`
	Stage3   map[string]any   `json:"stage3,omitempty"`
	Stage4   any              `json:"stage4,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// Conversation is the full persisted record. AgentIDs nil means "all
// enabled agents"; an explicit empty selection is normalized to nil.
// ChairmanAgentID and ChairmanModel are mutually exclusive.
type Conversation struct {
	ID               string           `json:"id"`
	CreatedAt        string           `json:"created_at"`
	Title            string           `json:"title"`
	AgentIDs         []string         `json:"agent_ids"`
	ChairmanModel    string           `json:"chairman_model"`
	ChairmanAgentID  string           `json:"chairman_agent_id"`
	KBDocIDs         []string         `json:"kb_doc_ids"`
	ReportRequires   string           `json:"report_requirements"`
	DiscussionMode   string           `json:"discussion_mode"`
	DiscussionParams map[string]any   `json:"discussion_params,omitempty"`
	LivelyHistory    []map[string]any `json:"lively_history,omitempty"`
	Messages         []Message        `json:"messages"`
}

// Summary is the listing view of a conversation.
type Summary struct {
	ID           string `json:"id"`
	CreatedAt    string `json:"created_at"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
}

// Conversations stores one JSON file per conversation under dir.
type Conversations struct {
	dir string
	mu  sync.Mutex
}

// NewConversations creates the store rooted at dir.
func NewConversations(dir string) *Conversations {
	return &Conversations{dir: dir}
}

func (c *Conversations) path(id string) string {
	return filepath.Join(c.dir, id+".json")
}

// Create makes a new conversation. An empty id gets a fresh UUID.
func (c *Conversations) Create(id string) (*Conversation, error) {
	if strings.TrimSpace(id) == "" {
		id = uuid.New().String()
	}
	conv := &Conversation{
		ID:             id,
		CreatedAt:      nowISO(),
		Title:          "New Conversation",
		KBDocIDs:       []string{},
		DiscussionMode: ModeSerious,
		Messages:       []Message{},
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeJSONAtomic(c.path(id), conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get loads a conversation, filling defaults for fields older files
// may be missing.
func (c *Conversations) Get(id string) (*Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(id)
}

func (c *Conversations) load(id string) (*Conversation, error) {
	var conv Conversation
	if err := readJSON(c.path(id), &conv); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if conv.KBDocIDs == nil {
		conv.KBDocIDs = []string{}
	}
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	if conv.DiscussionMode == "" {
		conv.DiscussionMode = ModeSerious
	}
	return &conv, nil
}

// List returns conversation summaries, newest first.
func (c *Conversations) List() ([]Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Summary{}, nil
		}
		return nil, err
	}

	out := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var conv Conversation
		if err := readJSON(filepath.Join(c.dir, entry.Name()), &conv); err != nil {
			continue
		}
		out = append(out, Summary{
			ID: conv.ID, CreatedAt: conv.CreatedAt, Title: conv.Title,
			MessageCount: len(conv.Messages),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// Delete removes the conversation file. False when it did not exist.
func (c *Conversations) Delete(id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := os.Remove(c.path(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// mutate applies fn to the loaded conversation and writes it back.
func (c *Conversations) mutate(id string, fn func(*Conversation)) (*Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, err := c.load(id)
	if err != nil {
		return nil, err
	}
	fn(conv)
	if err := writeJSONAtomic(c.path(id), conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// AddUserMessage appends a user turn.
func (c *Conversations) AddUserMessage(id, content string) error {
	_, err := c.mutate(id, func(conv *Conversation) {
		conv.Messages = append(conv.Messages, Message{Role: "user", Content: content})
	})
	return err
}

// AddAssistantMessage appends a council turn with its stage payloads.
func (c *Conversations) AddAssistantMessage(id string, msg Message) error {
	msg.Role = "assistant"
	_, err := c.mutate(id, func(conv *Conversation) {
		conv.Messages = append(conv.Messages, msg)
	})
	return err
}

// SetTitle replaces the title.
func (c *Conversations) SetTitle(id, title string) error {
	_, err := c.mutate(id, func(conv *Conversation) { conv.Title = title })
	return err
}

// SetAgents selects the agent roster. An empty selection means all
// enabled agents and is stored as nil.
func (c *Conversations) SetAgents(id string, agentIDs []string) error {
	_, err := c.mutate(id, func(conv *Conversation) {
		if len(agentIDs) == 0 {
			conv.AgentIDs = nil
			return
		}
		conv.AgentIDs = agentIDs
	})
	return err
}

// SetKBDocIDs replaces the bound document set, trimming blanks and
// dropping duplicates while preserving order.
func (c *Conversations) SetKBDocIDs(id string, docIDs []string) error {
	_, err := c.mutate(id, func(conv *Conversation) {
		conv.KBDocIDs = dedupeStrings(docIDs)
	})
	return err
}

// AppendKBDocID binds one more document to the conversation.
func (c *Conversations) AppendKBDocID(id, docID string) error {
	_, err := c.mutate(id, func(conv *Conversation) {
		conv.KBDocIDs = dedupeStrings(append(conv.KBDocIDs, docID))
	})
	return err
}

// KBDocIDs returns the bound document set, or nil when the
// conversation is missing. Satisfies the tools dependency.
func (c *Conversations) KBDocIDs(id string) []string {
	conv, err := c.Get(id)
	if err != nil {
		return nil
	}
	return conv.KBDocIDs
}

// SetChairmanModel overrides the chairman by model spec and clears any
// agent override.
func (c *Conversations) SetChairmanModel(id, modelSpec string) error {
	_, err := c.mutate(id, func(conv *Conversation) {
		conv.ChairmanModel = strings.TrimSpace(modelSpec)
		if conv.ChairmanModel != "" {
			conv.ChairmanAgentID = ""
		}
	})
	return err
}

// SetChairmanAgent overrides the chairman by agent and clears any
// model override.
func (c *Conversations) SetChairmanAgent(id, agentID string) error {
	_, err := c.mutate(id, func(conv *Conversation) {
		conv.ChairmanAgentID = strings.TrimSpace(agentID)
		if conv.ChairmanAgentID != "" {
			conv.ChairmanModel = ""
		}
	})
	return err
}

// SetReportRequirements stores per-conversation report instructions.
func (c *Conversations) SetReportRequirements(id, requirements string) error {
	_, err := c.mutate(id, func(conv *Conversation) {
		conv.ReportRequires = strings.TrimSpace(requirements)
	})
	return err
}

// SetDiscussionMode switches between the staged pipeline and the
// free-flow chat, with optional mode parameters.
func (c *Conversations) SetDiscussionMode(id, mode string, params map[string]any) error {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != ModeSerious && mode != ModeLively {
		return fmt.Errorf("unknown discussion mode: %q", mode)
	}
	_, err := c.mutate(id, func(conv *Conversation) {
		conv.DiscussionMode = mode
		if params != nil {
			conv.DiscussionParams = params
		}
	})
	return err
}

// AppendLivelyHistory records one lively-mode script entry.
func (c *Conversations) AppendLivelyHistory(id string, entry map[string]any) error {
	_, err := c.mutate(id, func(conv *Conversation) {
		conv.LivelyHistory = append(conv.LivelyHistory, entry)
	})
	return err
}

func dedupeStrings(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		v := strings.TrimSpace(item)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
