package kg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/council-works/council/pkg/llm"
)

// Extraction chunker defaults.
const (
	DefaultChunkSize    = 1200
	DefaultChunkOverlap = 120

	DefaultExtractTimeout = 120 * time.Second
)

// Entity is one extracted entity before id assignment.
type Entity struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Summary    string         `json:"summary"`
	Attributes map[string]any `json:"attributes"`
}

// Relation is one extracted relation. Endpoints are referenced by name
// and type; callers resolve them to entity ids, synthesizing
// placeholder entities when an endpoint was never emitted.
type Relation struct {
	Source     string         `json:"source"`
	SourceType string         `json:"source_type"`
	Target     string         `json:"target"`
	TargetType string         `json:"target_type"`
	Relation   string         `json:"relation"`
	Fact       string         `json:"fact"`
	Attributes map[string]any `json:"attributes"`
}

// Extraction is one chunk's (or one text's) extraction result.
type Extraction struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// ChunkExtraction pairs a chunk with its extraction.
type ChunkExtraction struct {
	Index     int        `json:"index"`
	Text      string     `json:"text"`
	TextLen   int        `json:"text_len"`
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// ChatClient is the slice of the LLM gateway the extractor needs.
type ChatClient interface {
	Chat(ctx context.Context, spec string, messages []llm.Message, opts llm.ChatOptions) (*llm.ChatResult, error)
}

// Extractor turns free text into ontology-bound entities and relations.
type Extractor struct {
	chat     ChatClient
	language string // "en" or "zh", drives the system prompt
	logger   *slog.Logger
}

// NewExtractor wires an extractor. language selects the prompt locale;
// anything other than "en" uses the Chinese prompt.
func NewExtractor(chat ChatClient, language string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{chat: chat, language: language, logger: logger.With("component", "kg.extractor")}
}

// SplitText splits text into trimmed character windows of size chars
// advancing by size-overlap. Empty windows are skipped.
func SplitText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{}
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	step := size - overlap
	if step < 1 {
		step = 1
	}
	runes := []rune(text)
	out := make([]string, 0, len(runes)/step+1)
	for i := 0; i < len(runes); i += step {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[i:end]))
		if chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

type extractRequest struct {
	Text                 string         `json:"text"`
	AllowedEntityTypes   []string       `json:"allowed_entity_types"`
	AllowedRelationTypes []string       `json:"allowed_relation_types"`
	Requirements         map[string]any `json:"requirements"`
	OutputSchema         map[string]any `json:"output_schema"`
}

func (e *Extractor) systemPrompt(safeMode bool) string {
	var sb strings.Builder
	if e.language == "en" {
		sb.WriteString("You are a strict JSON-only information extractor.\nReturn ONLY a valid JSON object.\n")
	} else {
		sb.WriteString("你是一个严格输出 JSON 的信息抽取器。\n只允许输出一个 JSON 对象，不要输出任何额外文字。\n")
	}
	if safeMode {
		sb.WriteString("Safety: do not output explicit/sexual/violent/hateful/self-harm content.\n" +
			"If the input might trigger moderation, redact details using '[REDACTED]' and keep outputs minimal.\n")
	}
	return sb.String()
}

func (e *Extractor) extractOnce(ctx context.Context, model, text string, ont Ontology, timeout time.Duration, safeMode bool) Extraction {
	req := extractRequest{
		Text:                 text,
		AllowedEntityTypes:   ont.entityTypeNames(),
		AllowedRelationTypes: ont.edgeTypeNames(),
		Requirements: map[string]any{
			"only_use_allowed_types":                true,
			"deduplicate_entities_by_name_and_type": true,
			"do_not_guess":                          true,
			"return_empty_when_none":                true,
			"avoid_quoting_input":                   true,
		},
		OutputSchema: map[string]any{
			"entities": []map[string]any{
				{"name": "string", "type": "string", "summary": "", "attributes": map[string]any{}},
			},
			"relations": []map[string]any{
				{"source": "string", "source_type": "string", "target": "string",
					"target_type": "string", "relation": "string", "fact": "", "attributes": map[string]any{}},
			},
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Extraction{}
	}

	result, err := e.chat.Chat(ctx, model, []llm.Message{
		{Role: "system", Content: e.systemPrompt(safeMode)},
		{Role: "user", Content: string(payload)},
	}, llm.ChatOptions{Timeout: timeout, Silent: true})
	if err != nil {
		e.logger.Warn("extraction call failed", "model", model, "safe_mode", safeMode, "error", err)
		return Extraction{}
	}

	var parsed Extraction
	if err := json.Unmarshal([]byte(extractJSONObject(result.Content)), &parsed); err != nil {
		e.logger.Warn("extraction output unparseable", "model", model, "safe_mode", safeMode)
		return Extraction{}
	}
	return parsed
}

// Extract runs a single extraction over text, retrying once in safe
// mode when a non-empty text yields nothing, then filters the result
// against the ontology.
func (e *Extractor) Extract(ctx context.Context, model, text string, ont Ontology, timeout time.Duration) (*Extraction, error) {
	if timeout <= 0 {
		timeout = DefaultExtractTimeout
	}
	data := e.extractOnce(ctx, model, text, ont, timeout, false)
	if len(data.Entities) == 0 && len(data.Relations) == 0 && strings.TrimSpace(text) != "" {
		data = e.extractOnce(ctx, model, text, ont, timeout, true)
	}

	allowedEntities := stringSet(ont.entityTypeNames())
	allowedRelations := stringSet(ont.edgeTypeNames())

	cleaned := &Extraction{Entities: []Entity{}, Relations: []Relation{}}
	for _, ent := range data.Entities {
		name := strings.TrimSpace(ent.Name)
		etype := strings.TrimSpace(ent.Type)
		if name == "" || etype == "" {
			continue
		}
		if len(allowedEntities) > 0 && !allowedEntities[etype] {
			continue
		}
		if ent.Attributes == nil {
			ent.Attributes = map[string]any{}
		}
		cleaned.Entities = append(cleaned.Entities, Entity{
			Name: name, Type: etype,
			Summary:    strings.TrimSpace(ent.Summary),
			Attributes: ent.Attributes,
		})
	}
	for _, rel := range data.Relations {
		source := strings.TrimSpace(rel.Source)
		target := strings.TrimSpace(rel.Target)
		sourceType := strings.TrimSpace(rel.SourceType)
		targetType := strings.TrimSpace(rel.TargetType)
		name := strings.TrimSpace(rel.Relation)
		if source == "" || target == "" || sourceType == "" || targetType == "" || name == "" {
			continue
		}
		if len(allowedRelations) > 0 && !allowedRelations[name] {
			continue
		}
		if rel.Attributes == nil {
			rel.Attributes = map[string]any{}
		}
		cleaned.Relations = append(cleaned.Relations, Relation{
			Source: source, SourceType: sourceType,
			Target: target, TargetType: targetType,
			Relation: name, Fact: strings.TrimSpace(rel.Fact),
			Attributes: rel.Attributes,
		})
	}
	return cleaned, nil
}

// ChunkedResult aggregates a chunked extraction.
type ChunkedResult struct {
	Chunks    []ChunkExtraction `json:"chunks"`
	Entities  []Entity          `json:"entities"`
	Relations []Relation        `json:"relations"`
	Ontology  Ontology          `json:"ontology"`
}

// ExtractChunked splits long text and extracts every chunk, collecting
// per-chunk and aggregate results.
func (e *Extractor) ExtractChunked(ctx context.Context, model, text string, ont Ontology, timeout time.Duration, chunkSize, chunkOverlap int) (*ChunkedResult, error) {
	out := &ChunkedResult{
		Chunks: []ChunkExtraction{}, Entities: []Entity{}, Relations: []Relation{},
		Ontology: ont,
	}
	err := e.ExtractChunks(ctx, model, text, ont, timeout, chunkSize, chunkOverlap, func(c ChunkExtraction) error {
		out.Chunks = append(out.Chunks, c)
		out.Entities = append(out.Entities, c.Entities...)
		out.Relations = append(out.Relations, c.Relations...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExtractChunks streams per-chunk extraction results through onChunk
// without accumulating them, for bounded memory on large inputs. A
// non-nil error from onChunk aborts the walk.
func (e *Extractor) ExtractChunks(ctx context.Context, model, text string, ont Ontology, timeout time.Duration, chunkSize, chunkOverlap int, onChunk func(ChunkExtraction) error) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = DefaultChunkOverlap
	}
	for idx, chunk := range SplitText(text, chunkSize, chunkOverlap) {
		if err := ctx.Err(); err != nil {
			return err
		}
		extracted, err := e.Extract(ctx, model, chunk, ont, timeout)
		if err != nil {
			return fmt.Errorf("extract chunk %d: %w", idx, err)
		}
		if err := onChunk(ChunkExtraction{
			Index: idx, Text: chunk, TextLen: len([]rune(chunk)),
			Entities: extracted.Entities, Relations: extracted.Relations,
		}); err != nil {
			return err
		}
	}
	return nil
}

func stringSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}

// extractJSONObject pulls the outermost {...} from a reply that may
// wrap JSON in prose or code fences.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
