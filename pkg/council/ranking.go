package council

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

var (
	numberedRankRe = regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
	labelRe        = regexp.MustCompile(`Response [A-Z]`)
)

// ParseRanking extracts the ordered label list from an evaluation.
// After a FINAL RANKING: delimiter, numbered entries win over bare
// label mentions; without the delimiter the whole text is scanned.
// Repeated mentions of a label keep only the first occurrence.
func ParseRanking(text string) []string {
	section := text
	if idx := indexOfRankingDelimiter(text); idx >= 0 {
		section = text[idx:]
		if numbered := numberedRankRe.FindAllString(section, -1); len(numbered) > 0 {
			var labels []string
			for _, m := range numbered {
				labels = append(labels, labelRe.FindString(m))
			}
			return dedupeLabels(labels)
		}
	}
	return dedupeLabels(labelRe.FindAllString(section, -1))
}

const rankingDelimiter = "FINAL RANKING:"

func indexOfRankingDelimiter(text string) int {
	idx := strings.Index(text, rankingDelimiter)
	if idx < 0 {
		return -1
	}
	return idx + len(rankingDelimiter)
}

func dedupeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// AggregateRanking is one model's weighted standing across all votes.
type AggregateRanking struct {
	Model           string  `json:"model"`
	AverageRank     float64 `json:"average_rank"`
	Votes           int     `json:"votes"`
	TotalVoteWeight float64 `json:"total_vote_weight"`
}

// CalculateAggregateRankings folds every agent's parsed ranking into
// a per-model weighted average position. Lower is better; output is
// sorted best-first.
func CalculateAggregateRankings(stage2 []Stage2Result, labelToAgent map[string]LabelInfo) []AggregateRanking {
	weightedSum := map[string]float64{}
	weightTotal := map[string]float64{}
	votes := map[string]int{}

	for _, ranking := range stage2 {
		voteWeight := ranking.VoteWeight
		if voteWeight == 0 {
			voteWeight = 1.0
		}
		for position, label := range ranking.ParsedRanking {
			info, ok := labelToAgent[label]
			if !ok {
				continue
			}
			pos := float64(position + 1)
			weightedSum[info.ModelSpec] += pos * voteWeight
			weightTotal[info.ModelSpec] += voteWeight
			votes[info.ModelSpec]++
		}
	}

	aggregate := make([]AggregateRanking, 0, len(weightedSum))
	for model, sum := range weightedSum {
		total := weightTotal[model]
		if total == 0 {
			total = 1.0
		}
		aggregate = append(aggregate, AggregateRanking{
			Model:           model,
			AverageRank:     round3(sum / total),
			Votes:           votes[model],
			TotalVoteWeight: round3(weightTotal[model]),
		})
	}
	sort.Slice(aggregate, func(i, j int) bool {
		if aggregate[i].AverageRank != aggregate[j].AverageRank {
			return aggregate[i].AverageRank < aggregate[j].AverageRank
		}
		return aggregate[i].Model < aggregate[j].Model
	})
	return aggregate
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
