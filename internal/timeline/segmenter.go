// Package timeline splits an audio duration into contiguous segments and
// validates that segment and scene boundaries cover the audio exactly.
package timeline

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bobarin/melovue/internal/models"
)

const (
	// Epsilon is the tolerance, in seconds, for matching a boundary against
	// the canonical audio duration.
	Epsilon = 0.02

	// DefaultWindowS is the fixed window length used when no better
	// boundaries are available.
	DefaultWindowS = 4.0

	// Natural boundaries are searched within [0.5w, 1.5w] of the segment
	// start. Distance from the ideal start+w costs distancePenalty per window.
	minWindowFrac   = 0.5
	maxWindowFrac   = 1.5
	distancePenalty = 0.5

	sentenceBonus = 0.5
	clauseBonus   = 0.2
	phraseBonus   = 0.3
)

// Policy names the strategy BuildSegments used.
type Policy string

const (
	PolicyTimestamps       Policy = "timestamps"
	PolicyProportionalText Policy = "proportional_text"
	PolicyFixedEmpty       Policy = "fixed_empty"
)

type Options struct {
	WindowS float64
}

type Result struct {
	Segments []models.Segment
	Policy   Policy
}

type token struct {
	text  string
	start float64
	end   float64
}

type candidate struct {
	at    float64
	score float64
}

// BuildSegments returns an ordered, gap-free list of segments covering
// [0, durationS]. The transcript may be nil, empty or garbled; only the
// duration can make it fail.
func BuildSegments(durationS float64, transcript *models.Transcript, opts Options) (*Result, error) {
	if math.IsNaN(durationS) || math.IsInf(durationS, 0) || durationS < 0 {
		return nil, &models.ValidationError{
			Field:   "audio_duration_s",
			Message: fmt.Sprintf("invalid duration %v", durationS),
		}
	}

	window := opts.WindowS
	if window <= 0 || math.IsNaN(window) || math.IsInf(window, 0) {
		window = DefaultWindowS
	}

	tokens, fromWords := usableTokens(transcript, durationS)
	text := ""
	if transcript != nil {
		text = strings.TrimSpace(transcript.Text)
	}

	var (
		bounds []float64
		policy Policy
	)
	switch {
	case len(tokens) > 0:
		bounds = naturalBoundaries(tokens, !fromWords, durationS, window)
		policy = PolicyTimestamps
	case text != "":
		bounds = fixedBoundaries(durationS, window)
		policy = PolicyProportionalText
	default:
		bounds = fixedBoundaries(durationS, window)
		policy = PolicyFixedEmpty
	}

	segments := make([]models.Segment, len(bounds)-1)
	for i := range segments {
		segments[i] = models.Segment{
			Index:  i,
			StartS: bounds[i],
			EndS:   bounds[i+1],
		}
	}

	switch policy {
	case PolicyTimestamps:
		assignTokenSnippets(segments, tokens)
		if fromWords {
			assignEnergy(segments, tokens)
		}
	case PolicyProportionalText:
		assignProportionalSnippets(segments, text, durationS)
	}

	return &Result{Segments: segments, Policy: policy}, nil
}

// fixedBoundaries cuts [0,d] every window seconds. A tail shorter than
// Epsilon is folded into the previous segment.
func fixedBoundaries(d, window float64) []float64 {
	bounds := []float64{0}
	for k := 1; ; k++ {
		at := round3(float64(k) * window)
		if at >= d-Epsilon {
			break
		}
		bounds = append(bounds, at)
	}
	return append(bounds, d)
}

// naturalBoundaries walks forward one window at a time, snapping each cut
// to the best nearby pause between tokens.
func naturalBoundaries(tokens []token, phrases bool, d, window float64) []float64 {
	cands := candidates(tokens, phrases)
	bounds := []float64{0}
	start := 0.0

	for d-start > window {
		target := start + window
		lo := start + minWindowFrac*window
		hi := math.Min(start+maxWindowFrac*window, d-Epsilon)

		best := -1
		bestScore := math.Inf(-1)
		for i, c := range cands {
			if c.at < lo || c.at > hi {
				continue
			}
			score := c.score - distancePenalty*math.Abs(c.at-target)/window
			if best < 0 || score > bestScore ||
				(score == bestScore && math.Abs(c.at-target) < math.Abs(cands[best].at-target)) {
				best = i
				bestScore = score
			}
		}

		next := target
		if best >= 0 {
			next = cands[best].at
		}
		next = round3(next)
		if next <= start+Epsilon {
			next = round3(target)
		}
		if next >= d-Epsilon {
			break
		}
		bounds = append(bounds, next)
		start = next
	}

	return append(bounds, d)
}

// candidates scores every gap between consecutive tokens. When the tokens
// are provider phrases rather than words, each gap is a phrase end.
func candidates(tokens []token, phrases bool) []candidate {
	cands := make([]candidate, 0, len(tokens))
	for i := 0; i+1 < len(tokens); i++ {
		cur, next := tokens[i], tokens[i+1]
		gap := next.start - cur.end
		if gap < 0 {
			gap = 0
		}
		score := gap + punctuationBonus(cur.text)
		if phrases {
			score += phraseBonus
		}
		cands = append(cands, candidate{
			at:    (cur.end + next.start) / 2,
			score: score,
		})
	}
	return cands
}

func punctuationBonus(text string) float64 {
	if text == "" {
		return 0
	}
	switch text[len(text)-1] {
	case '.', '!', '?':
		return sentenceBonus
	case ',', ';', ':':
		return clauseBonus
	}
	return 0
}

// usableTokens returns timed tokens sorted by start, preferring words over
// provider segments. Tokens with impossible timing are dropped; tokens that
// run past the end are clamped.
func usableTokens(t *models.Transcript, d float64) ([]token, bool) {
	if t == nil {
		return nil, false
	}

	var raw []token
	fromWords := len(t.Words) > 0
	if fromWords {
		for _, w := range t.Words {
			raw = append(raw, token{text: w.Word, start: w.StartS, end: w.EndS})
		}
	} else {
		for _, s := range t.Segments {
			raw = append(raw, token{text: s.Text, start: s.StartS, end: s.EndS})
		}
	}

	tokens := raw[:0]
	for _, tk := range raw {
		tk.text = strings.TrimSpace(tk.text)
		if tk.text == "" || !finite(tk.start) || !finite(tk.end) {
			continue
		}
		if tk.start < 0 || tk.end < tk.start || tk.start >= d {
			continue
		}
		if tk.end > d {
			tk.end = d
		}
		tokens = append(tokens, tk)
	}
	sort.SliceStable(tokens, func(i, j int) bool { return tokens[i].start < tokens[j].start })

	return tokens, fromWords
}

func assignTokenSnippets(segments []models.Segment, tokens []token) {
	parts := make([][]string, len(segments))
	for _, tk := range tokens {
		i := segmentAt(segments, (tk.start+tk.end)/2)
		parts[i] = append(parts[i], tk.text)
	}
	for i := range segments {
		segments[i].Snippet = strings.Join(parts[i], " ")
	}
}

// assignEnergy sets a word-density hint normalised to the busiest segment.
func assignEnergy(segments []models.Segment, tokens []token) {
	counts := make([]int, len(segments))
	for _, tk := range tokens {
		counts[segmentAt(segments, (tk.start+tk.end)/2)]++
	}

	density := make([]float64, len(segments))
	peak := 0.0
	for i, seg := range segments {
		if span := seg.DurationS(); span > 0 {
			density[i] = float64(counts[i]) / span
		}
		peak = math.Max(peak, density[i])
	}
	for i := range segments {
		e := 0.0
		if peak > 0 {
			e = round3(density[i] / peak)
		}
		segments[i].Energy = &e
	}
}

// assignProportionalSnippets slices the transcript words across segments in
// proportion to each segment's share of the duration.
func assignProportionalSnippets(segments []models.Segment, text string, d float64) {
	words := strings.Fields(text)
	n := len(words)
	if d <= 0 {
		segments[0].Snippet = strings.Join(words, " ")
		return
	}
	for i := range segments {
		from := int(math.Round(float64(n) * segments[i].StartS / d))
		to := int(math.Round(float64(n) * segments[i].EndS / d))
		if i == len(segments)-1 {
			to = n
		}
		if from > n {
			from = n
		}
		if to < from {
			to = from
		}
		segments[i].Snippet = strings.Join(words[from:to], " ")
	}
}

// segmentAt returns the index of the segment containing t; times at or past
// the final end map to the last segment.
func segmentAt(segments []models.Segment, t float64) int {
	i := sort.Search(len(segments), func(i int) bool { return segments[i].EndS > t })
	if i >= len(segments) {
		return len(segments) - 1
	}
	return i
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
