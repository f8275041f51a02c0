package diarize

import "transcription-worker/internal/domain"

// GapFrames synthesizes speaker frames from transcript chunks when no real
// diarization model is available: speakers alternate whenever the silence
// between consecutive chunks exceeds gapSeconds. A heuristic stand-in, not a
// replacement for a proper diarization pass.
func GapFrames(chunks []domain.TranscriptChunk, gapSeconds float64) []domain.SpeakerSegment {
	if len(chunks) == 0 {
		return nil
	}
	if gapSeconds <= 0 {
		gapSeconds = 1.5
	}

	var frames []domain.SpeakerSegment
	speaker := 0
	start := chunks[0].Start
	end := chunks[0].End

	flush := func() {
		frames = append(frames, domain.SpeakerSegment{
			SpeakerID:  rawLabel(speaker),
			Start:      start,
			End:        end,
			Confidence: 0.5,
		})
	}

	for _, chunk := range chunks[1:] {
		if chunk.Start-end > gapSeconds {
			flush()
			speaker = (speaker + 1) % 2
			start = chunk.Start
		}
		end = chunk.End
	}
	flush()

	return frames
}

// rawLabel formats a synthetic cluster id; Canonicalize renames it later.
func rawLabel(i int) string {
	if i == 0 {
		return "gap_0"
	}
	return "gap_1"
}
