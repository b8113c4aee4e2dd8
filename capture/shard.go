package capture

import "github.com/hazyhaar/harvester/runstate"

// Shard splits turns into chunks of at most maxChars characters of text.
// Each chunk after the first repeats the last overlap turns of the previous
// one. A single turn longer than maxChars becomes its own chunk. maxChars
// <= 0 disables sharding.
func Shard(turns []runstate.Turn, maxChars, overlap int) [][]runstate.Turn {
	if len(turns) == 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}
	total := 0
	for _, t := range turns {
		total += len(t.Text)
	}
	if maxChars <= 0 || total <= maxChars {
		return [][]runstate.Turn{append([]runstate.Turn(nil), turns...)}
	}

	var out [][]runstate.Turn
	start := 0
	for start < len(turns) {
		end, size := start, 0
		for end < len(turns) && (end == start || size+len(turns[end].Text) <= maxChars) {
			size += len(turns[end].Text)
			end++
		}
		out = append(out, append([]runstate.Turn(nil), turns[start:end]...))
		if end >= len(turns) {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return out
}
