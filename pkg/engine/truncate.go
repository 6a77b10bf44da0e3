package engine

import (
	"encoding/json"
	"sort"

	"github.com/contexhq/contex/pkg/models"
)

// truncateSnapshot fits an initial-context snapshot into the configured
// payload budget. The best match of every need is admitted first, in
// need order, so each need keeps representation; remaining matches fill
// the budget by descending similarity.
func truncateSnapshot(snapshot []models.NeedMatches, budget int) []models.NeedMatches {
	if budget <= 0 {
		return snapshot
	}

	type candidate struct {
		slot  int
		match models.Match
	}
	var primary, rest []candidate
	for slot, nm := range snapshot {
		for i, match := range nm.Matches {
			if i == 0 {
				primary = append(primary, candidate{slot: slot, match: match})
			} else {
				rest = append(rest, candidate{slot: slot, match: match})
			}
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].match.Similarity != rest[j].match.Similarity {
			return rest[i].match.Similarity > rest[j].match.Similarity
		}
		return rest[i].match.NodeKey < rest[j].match.NodeKey
	})

	out := make([]models.NeedMatches, len(snapshot))
	for i, nm := range snapshot {
		out[i] = models.NeedMatches{Need: nm.Need, NeedIndex: nm.NeedIndex}
	}
	used := 0
	admit := func(c candidate) bool {
		size := matchSize(c.match)
		if used+size > budget {
			return false
		}
		used += size
		out[c.slot].Matches = append(out[c.slot].Matches, c.match)
		return true
	}
	for _, c := range primary {
		if !admit(c) {
			return out
		}
	}
	for _, c := range rest {
		if !admit(c) {
			break
		}
	}
	return out
}

func matchSize(m models.Match) int {
	raw, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(raw)
}
