package services

import (
	"fmt"
	"os"
	"strings"

	"github.com/bobarin/melovue/internal/models"
)

// ---------------------------------------------------------------------------
// ASS caption generator
//
// With word timestamps, lyrics are shown in chunks of up to four words with
// the sung word highlighted. Without them, each segment shows its snippet
// for its whole span.
// ---------------------------------------------------------------------------

const (
	wordsPerChunk = 4

	// Must match a font installed in the container
	captionFontName = "Noto Sans"

	// ASS colors are &HAABBGGRR
	assColorWhite     = "&H00FFFFFF"
	assColorBlack     = "&H00000000"
	assColorPurple    = "&H00CC3299"
	assColorSemiBlack = "&H80000000"

	outlineNormal    = 3
	outlineHighlight = 8
)

// WriteCaptions renders captions for the given raster to path. It returns
// false when there is nothing to show.
func WriteCaptions(path string, segments []models.Segment, words []models.WordTimestamp, frame Frame) (bool, error) {
	doc, ok := BuildCaptions(segments, words, frame)
	if !ok {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		return false, fmt.Errorf("failed to write ASS subtitle file: %w", err)
	}
	return true, nil
}

// BuildCaptions returns the ASS document and whether it has any events.
func BuildCaptions(segments []models.Segment, words []models.WordTimestamp, frame Frame) (string, bool) {
	var events []string
	if len(words) > 0 {
		for _, chunk := range chunkWords(words, wordsPerChunk) {
			for i, word := range chunk {
				end := word.EndS
				if i < len(chunk)-1 {
					end = chunk[i+1].StartS
				}
				events = append(events, dialogue(word.StartS, end, buildHighlightedChunkText(chunk, i)))
			}
		}
	} else {
		for _, seg := range segments {
			text := strings.ToUpper(strings.Join(strings.Fields(seg.Snippet), " "))
			if text == "" {
				continue
			}
			events = append(events, dialogue(seg.StartS, seg.EndS, escapeASS(text)))
		}
	}
	if len(events) == 0 {
		return "", false
	}

	short := frame.Width
	if frame.Height < short {
		short = frame.Height
	}
	fontSize := short * 62 / 1080
	marginV := frame.Height * 220 / 1920

	var sb strings.Builder
	sb.WriteString("[Script Info]\n")
	sb.WriteString("ScriptType: v4.00+\n")
	fmt.Fprintf(&sb, "PlayResX: %d\n", frame.Width)
	fmt.Fprintf(&sb, "PlayResY: %d\n", frame.Height)
	sb.WriteString("WrapStyle: 0\n")
	sb.WriteString("ScaledBorderAndShadow: yes\n\n")

	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(&sb, "Style: Default,%s,%d,%s,%s,%s,%s,-1,0,0,0,100,100,2,0,1,%d,0,2,40,40,%d,1\n\n",
		captionFontName, fontSize,
		assColorWhite, assColorWhite, assColorBlack, assColorSemiBlack,
		outlineNormal, marginV,
	)

	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
	for _, e := range events {
		sb.WriteString(e)
	}
	return sb.String(), true
}

func dialogue(start, end float64, text string) string {
	return fmt.Sprintf("Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n", formatASSTime(start), formatASSTime(end), text)
}

// chunkWords groups words into display chunks, breaking early at sentence
// ends.
func chunkWords(words []models.WordTimestamp, chunkSize int) [][]models.WordTimestamp {
	var chunks [][]models.WordTimestamp
	var current []models.WordTimestamp

	for _, word := range words {
		current = append(current, word)
		isSentenceEnd := strings.ContainsAny(word.Word, ".!?")
		if len(current) >= chunkSize || (isSentenceEnd && len(current) >= 2) {
			chunks = append(chunks, current)
			current = nil
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// buildHighlightedChunkText renders a chunk with the word at activeIdx
// outlined in purple, e.g. "THE {\3c&H00CC3299\bord8}NIGHT{\r} IS YOUNG".
func buildHighlightedChunkText(chunk []models.WordTimestamp, activeIdx int) string {
	var parts []string
	for i, word := range chunk {
		clean := escapeASS(strings.ToUpper(strings.TrimSpace(word.Word)))
		if clean == "" {
			continue
		}
		if i == activeIdx {
			parts = append(parts, fmt.Sprintf("{\\3c%s\\bord%d}%s{\\r}", assColorPurple, outlineHighlight, clean))
		} else {
			parts = append(parts, clean)
		}
	}
	return strings.Join(parts, " ")
}

// escapeASS keeps lyric text from opening override blocks.
func escapeASS(s string) string {
	s = strings.ReplaceAll(s, "{", "(")
	s = strings.ReplaceAll(s, "}", ")")
	return strings.ReplaceAll(s, "\n", " ")
}

// formatASSTime converts seconds to ASS timestamp format: H:MM:SS.CC (centiseconds)
func formatASSTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	cs := int(seconds*100 + 0.5)
	hours := cs / 360000
	minutes := (cs % 360000) / 6000
	secs := (cs % 6000) / 100
	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, secs, cs%100)
}
