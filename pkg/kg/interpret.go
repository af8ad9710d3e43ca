package kg

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/council-works/council/pkg/llm"
)

// EntityInterpretation is an LLM reading of one entity.
type EntityInterpretation struct {
	Summary  string   `json:"summary"`
	KeyFacts []string `json:"key_facts"`
}

// CommunitySummary is an LLM reading of one connected component.
type CommunitySummary struct {
	CommunityIndex int      `json:"community_index"`
	Title          string   `json:"title"`
	Summary        string   `json:"summary"`
	KeyEntities    []string `json:"key_entities"`
	KeyRelations   []string `json:"key_relations"`
	Size           int      `json:"size"`
}

// BuildComponents returns undirected connected components over node
// ids, largest first. Edges referencing unknown nodes are ignored.
func BuildComponents(nodes []GraphEntity, edges []GraphRelation) [][]string {
	adj := make(map[string][]string, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			continue
		}
		if _, ok := adj[n.ID]; !ok {
			adj[n.ID] = nil
			order = append(order, n.ID)
		}
	}
	for _, e := range edges {
		if _, ok := adj[e.SourceID]; !ok {
			continue
		}
		if _, ok := adj[e.TargetID]; !ok {
			continue
		}
		adj[e.SourceID] = append(adj[e.SourceID], e.TargetID)
		adj[e.TargetID] = append(adj[e.TargetID], e.SourceID)
	}

	seen := make(map[string]bool, len(adj))
	var comps [][]string
	for _, start := range order {
		if seen[start] {
			continue
		}
		seen[start] = true
		stack := []string{start}
		var comp []string
		for len(stack) > 0 {
			x := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			comp = append(comp, x)
			for _, y := range adj[x] {
				if seen[y] {
					continue
				}
				seen[y] = true
				stack = append(stack, y)
			}
		}
		comps = append(comps, comp)
	}
	sort.SliceStable(comps, func(i, j int) bool { return len(comps[i]) > len(comps[j]) })
	return comps
}

// NodesByDegree orders nodes by edge degree descending, then by
// insertion order, for picking which entities to interpret first.
func NodesByDegree(nodes []GraphEntity, edges []GraphRelation) []GraphEntity {
	degree := make(map[string]int, len(nodes))
	for _, e := range edges {
		degree[e.SourceID]++
		degree[e.TargetID]++
	}
	out := make([]GraphEntity, len(nodes))
	copy(out, nodes)
	sort.SliceStable(out, func(i, j int) bool {
		return degree[out[i].ID] > degree[out[j].ID]
	})
	return out
}

const interpretTimeout = 120 * time.Second

// InterpretEntity asks the model for a short reading of one entity
// grounded on its neighbors and mention evidence. Returns nil when the
// model fails or produces nothing usable.
func InterpretEntity(ctx context.Context, chat ChatClient, model string, entity GraphEntity, neighbors []string, mentions []string) *EntityInterpretation {
	name := strings.TrimSpace(entity.Name)
	if name == "" {
		return nil
	}
	system := "你是知识图谱节点解读器。你的输出必须是严格 JSON，不要输出任何额外文字。\n" +
		"请用简体中文给出该实体的简介与关键事实。\n" +
		`输出格式：{"summary":"...","key_facts":["...","..."]}` + "\n" +
		"要求：summary 1~3 句；key_facts 3~8 条，尽量基于证据，不要猜。\n"

	if len(neighbors) > 25 {
		neighbors = neighbors[:25]
	}
	if len(mentions) > 5 {
		mentions = mentions[:5]
	}
	payload, _ := json.Marshal(map[string]any{
		"entity":    map[string]string{"name": name, "type": entity.Type},
		"neighbors": neighbors,
		"evidence":  mentions,
	})

	result, err := chat.Chat(ctx, model, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: string(payload)},
	}, llm.ChatOptions{Timeout: interpretTimeout, Silent: true})
	if err != nil {
		return nil
	}

	var parsed EntityInterpretation
	if err := json.Unmarshal([]byte(extractJSONObject(result.Content)), &parsed); err != nil {
		return nil
	}
	parsed.Summary = strings.TrimSpace(parsed.Summary)
	parsed.KeyFacts = cleanStrings(parsed.KeyFacts)
	if parsed.Summary == "" && len(parsed.KeyFacts) == 0 {
		return nil
	}
	return &parsed
}

// SummarizeCommunity asks the model for a theme summary of one
// connected component. Returns nil on failure.
func SummarizeCommunity(ctx context.Context, chat ChatClient, model string, communityIndex int, entities []GraphEntity, edgeFacts []string) *CommunitySummary {
	system := "你是知识图谱社区/主题摘要生成器。输出必须是严格 JSON，不要输出任何额外文字。\n" +
		`输出格式：{"title":"...","summary":"...","key_entities":["..."],"key_relations":["..."]}` + "\n" +
		"要求：title 不超过 20 字；summary 3~6 句；key_entities 5~12 个；key_relations 3~10 条。\n"

	shown := entities
	if len(shown) > 40 {
		shown = shown[:40]
	}
	if len(edgeFacts) > 60 {
		edgeFacts = edgeFacts[:60]
	}
	names := make([]map[string]string, len(shown))
	for i, e := range shown {
		names[i] = map[string]string{"name": e.Name, "type": e.Type}
	}
	payload, _ := json.Marshal(map[string]any{
		"community_index": communityIndex,
		"entities":        names,
		"relations":       edgeFacts,
	})

	result, err := chat.Chat(ctx, model, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: string(payload)},
	}, llm.ChatOptions{Timeout: interpretTimeout, Silent: true})
	if err != nil {
		return nil
	}

	var parsed CommunitySummary
	if err := json.Unmarshal([]byte(extractJSONObject(result.Content)), &parsed); err != nil {
		return nil
	}
	parsed.Title = strings.TrimSpace(parsed.Title)
	parsed.Summary = strings.TrimSpace(parsed.Summary)
	parsed.KeyEntities = cleanStrings(parsed.KeyEntities)
	parsed.KeyRelations = cleanStrings(parsed.KeyRelations)
	if parsed.Title == "" && parsed.Summary == "" {
		return nil
	}
	parsed.CommunityIndex = communityIndex
	parsed.Size = len(entities)
	return &parsed
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
