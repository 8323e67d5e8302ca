package bridge

import "strings"

// NormalizeCapture trims trailing blank rows and padding from a pane
// capture. A fixed-height pane reports empty bottom rows that get
// replaced as output grows; without trimming, pure-append growth would
// never be prefix-stable.
func NormalizeCapture(capture string) string {
	return strings.TrimRight(capture, " \t\n")
}

// ComputeDelta returns the portion of cur not yet relayed, given the
// previous normalized snapshot. reset reports that cur was structurally
// divergent from prev (pane cleared or fully scrolled), in which case the
// delta is the entire new capture.
//
// Three cases, cheapest first:
//   - prev is a prefix of cur: pure append, delta is the suffix.
//   - some suffix of prev equals a prefix of cur: the pane scrolled,
//     delta is what follows the overlap.
//   - no overlap at all: full reset.
func ComputeDelta(prev, cur string) (delta string, reset bool) {
	if cur == prev {
		return "", false
	}
	if prev == "" {
		return cur, false
	}
	if strings.HasPrefix(cur, prev) {
		return cur[len(prev):], false
	}

	max := len(prev)
	if len(cur) < max {
		max = len(cur)
	}
	for k := max; k > 0; k-- {
		if prev[len(prev)-k:] == cur[:k] {
			return cur[k:], false
		}
	}
	return cur, true
}

// chunkLimit is the chat platform's per-message character cap.
const chunkLimit = 2000

// SplitChunks cuts text into pieces no longer than limit, preferring to
// break at newlines. Breaks always fall on rune boundaries.
func SplitChunks(text string, limit int) []string {
	if limit <= 0 {
		limit = chunkLimit
	}
	var out []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= limit {
			out = append(out, string(runes))
			break
		}
		cut := limit
		// Prefer the last newline inside the window
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	return out
}
