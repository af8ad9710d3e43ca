package store

// ExportBundle is a portable snapshot of one conversation: the record
// itself, its trace, and the roster it ran against.
type ExportBundle struct {
	Conversation *Conversation    `json:"conversation"`
	Trace        []map[string]any `json:"trace"`
	Agents       []AgentConfig    `json:"agents"`
	Models       *ModelRoles      `json:"models"`
	ExportedAt   string           `json:"exported_at"`
}

// Export assembles the bundle for a conversation.
func Export(conversations *Conversations, traces *TraceSink, agents *Agents, conversationID string) (*ExportBundle, error) {
	conv, err := conversations.Get(conversationID)
	if err != nil {
		return nil, err
	}
	events, err := traces.ReadEvents(conversationID, 0)
	if err != nil {
		return nil, err
	}
	roster, err := agents.List()
	if err != nil {
		return nil, err
	}
	models, err := agents.Models()
	if err != nil {
		return nil, err
	}
	return &ExportBundle{
		Conversation: conv,
		Trace:        events,
		Agents:       roster,
		Models:       models,
		ExportedAt:   nowISO(),
	}, nil
}
