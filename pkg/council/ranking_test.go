package council

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRanking(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "numbered list after delimiter",
			text: "各回答的评估……\n\nFINAL RANKING:\n1. Response B\n2. Response A\n3. Response C",
			want: []string{"Response B", "Response A", "Response C"},
		},
		{
			name: "bare labels after delimiter",
			text: "评估。\nFINAL RANKING:\nResponse C, Response A, Response B",
			want: []string{"Response C", "Response A", "Response B"},
		},
		{
			name: "no delimiter scans whole text",
			text: "我认为 Response B 最好，其次是 Response A。",
			want: []string{"Response B", "Response A"},
		},
		{
			name: "duplicate mentions keep first occurrence",
			text: "FINAL RANKING:\n1. Response A\n2. Response B\n3. Response A",
			want: []string{"Response A", "Response B"},
		},
		{
			name: "numbered wins over earlier prose mentions",
			text: "Response C 的分析很弱。\nFINAL RANKING:\n1. Response A\n2. Response C",
			want: []string{"Response A", "Response C"},
		},
		{
			name: "empty text",
			text: "",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRanking(tt.text)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculateAggregateRankingsWeighted(t *testing.T) {
	// Two agents: a1 carries vote weight 1.0, a2 carries 4.0
	// (influence 2.0, seniority 10). a1 prefers A, a2 prefers B.
	labelToAgent := map[string]LabelInfo{
		"Response A": {AgentID: "a1", AgentName: "Alpha", ModelSpec: "openrouter:alpha"},
		"Response B": {AgentID: "a2", AgentName: "Beta", ModelSpec: "openrouter:beta"},
	}
	stage2 := []Stage2Result{
		{AgentID: "a1", VoteWeight: 1.0, ParsedRanking: []string{"Response A", "Response B"}},
		{AgentID: "a2", VoteWeight: 4.0, ParsedRanking: []string{"Response B", "Response A"}},
	}

	aggregate := CalculateAggregateRankings(stage2, labelToAgent)
	require.Len(t, aggregate, 2)

	assert.Equal(t, "openrouter:beta", aggregate[0].Model)
	assert.InDelta(t, 1.2, aggregate[0].AverageRank, 1e-9)
	assert.Equal(t, 2, aggregate[0].Votes)
	assert.InDelta(t, 5.0, aggregate[0].TotalVoteWeight, 1e-9)

	assert.Equal(t, "openrouter:alpha", aggregate[1].Model)
	assert.InDelta(t, 1.8, aggregate[1].AverageRank, 1e-9)
	assert.InDelta(t, 5.0, aggregate[1].TotalVoteWeight, 1e-9)
}

func TestCalculateAggregateRankingsZeroWeightDefaultsToOne(t *testing.T) {
	labelToAgent := map[string]LabelInfo{
		"Response A": {AgentID: "a1", ModelSpec: "m:a"},
		"Response B": {AgentID: "a2", ModelSpec: "m:b"},
	}
	stage2 := []Stage2Result{
		{AgentID: "a1", VoteWeight: 0, ParsedRanking: []string{"Response B", "Response A"}},
	}
	aggregate := CalculateAggregateRankings(stage2, labelToAgent)
	require.Len(t, aggregate, 2)
	assert.Equal(t, "m:b", aggregate[0].Model)
	assert.InDelta(t, 1.0, aggregate[0].AverageRank, 1e-9)
	assert.InDelta(t, 1.0, aggregate[0].TotalVoteWeight, 1e-9)
}

func TestCalculateAggregateRankingsIgnoresUnknownLabels(t *testing.T) {
	labelToAgent := map[string]LabelInfo{
		"Response A": {AgentID: "a1", ModelSpec: "m:a"},
	}
	stage2 := []Stage2Result{
		{AgentID: "a1", VoteWeight: 1.0, ParsedRanking: []string{"Response Z", "Response A"}},
	}
	aggregate := CalculateAggregateRankings(stage2, labelToAgent)
	require.Len(t, aggregate, 1)
	assert.Equal(t, "m:a", aggregate[0].Model)
	assert.InDelta(t, 2.0, aggregate[0].AverageRank, 1e-9)
}

func TestCalculateAggregateRankingsTiesBreakByModel(t *testing.T) {
	labelToAgent := map[string]LabelInfo{
		"Response A": {AgentID: "a1", ModelSpec: "m:a"},
		"Response B": {AgentID: "a2", ModelSpec: "m:b"},
	}
	stage2 := []Stage2Result{
		{AgentID: "a1", VoteWeight: 1.0, ParsedRanking: []string{"Response A", "Response B"}},
		{AgentID: "a2", VoteWeight: 1.0, ParsedRanking: []string{"Response B", "Response A"}},
	}
	aggregate := CalculateAggregateRankings(stage2, labelToAgent)
	require.Len(t, aggregate, 2)
	assert.Equal(t, "m:a", aggregate[0].Model)
	assert.Equal(t, "m:b", aggregate[1].Model)
}
