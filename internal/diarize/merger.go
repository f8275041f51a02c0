package diarize

import (
	"fmt"
	"strings"

	"transcription-worker/internal/domain"
)

// Merge reconciles word-level transcript chunks with frame-level speaker
// segments into labeled utterances. Both inputs must be in increasing time
// order; frames must be non-overlapping. A single shared cursor walks the
// chunk slice and is never rewound: each frame greedily collects the chunks
// whose end does not exceed the frame's end, and a frame that collects
// nothing is dropped. NoSpeaker frames are skipped entirely.
//
// Chunks left after the last frame belong to no identified speaker and are
// dropped. Malformed input is tolerated by the same rules; Merge never
// panics on mismatched frame and chunk ranges.
func Merge(chunks []domain.TranscriptChunk, frames []domain.SpeakerSegment) []domain.MergedSegment {
	var merged []domain.MergedSegment

	cursor := 0
	for _, frame := range frames {
		if frame.SpeakerID == domain.NoSpeaker {
			continue
		}

		var text strings.Builder
		collected := 0
		for cursor < len(chunks) && chunks[cursor].End <= frame.End {
			text.WriteString(chunks[cursor].Text)
			collected++
			cursor++
		}
		if collected == 0 {
			continue
		}

		merged = append(merged, domain.MergedSegment{
			SpeakerID: frame.SpeakerID,
			Start:     frame.Start,
			End:       frame.End,
			Text:      strings.TrimSpace(text.String()),
		})
	}

	return merged
}

// Canonicalize renames raw speaker ids to SPEAKER_n, where n is the 1-based
// rank of each speaker's first appearance in time order. The mapping is
// deterministic and independent of the model's internal cluster ids, and
// applying it to already-canonical segments is a no-op. NoSpeaker labels
// pass through unchanged.
func Canonicalize(segments []domain.MergedSegment) []domain.MergedSegment {
	mapping := make(map[string]string)
	out := make([]domain.MergedSegment, len(segments))

	for i, segment := range segments {
		out[i] = segment
		if segment.SpeakerID == domain.NoSpeaker {
			continue
		}

		label, seen := mapping[segment.SpeakerID]
		if !seen {
			label = fmt.Sprintf("SPEAKER_%d", len(mapping)+1)
			mapping[segment.SpeakerID] = label
		}
		out[i].SpeakerID = label
	}

	return out
}

// DroppedTrailing reports how many transcript chunks a Merge call over the
// same inputs would leave unattributed after the final frame. Used for
// observability only; the chunks are still dropped from the merged output.
func DroppedTrailing(chunks []domain.TranscriptChunk, frames []domain.SpeakerSegment) int {
	if len(frames) == 0 {
		return len(chunks)
	}

	lastEnd := 0.0
	for _, frame := range frames {
		if frame.SpeakerID == domain.NoSpeaker {
			continue
		}
		if frame.End > lastEnd {
			lastEnd = frame.End
		}
	}

	dropped := 0
	for _, chunk := range chunks {
		if chunk.End > lastEnd {
			dropped++
		}
	}
	return dropped
}
