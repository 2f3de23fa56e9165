package stream

import (
	"fmt"
	"reflect"
	"testing"
)

const wellFormed = ": keepalive comment\n" +
	"event: status\n" +
	"data: {\"type\":\"status\",\"stage\":\"plan\"}\n" +
	"\n" +
	"id: 7\n" +
	"retry: 2500\n" +
	"data: first line\n" +
	"data: second line\n" +
	"\n" +
	"data: {\"type\":\"message\",\"content\":\"Hello\"}\n" +
	"\n" +
	"unknownfield: ignored\n" +
	"data: [DONE]\n" +
	"\n"

var wellFormedFrames = []Frame{
	{Event: "status", Data: `{"type":"status","stage":"plan"}`},
	{ID: "7", Retry: 2500, Data: "first line\nsecond line"},
	{Data: `{"type":"message","content":"Hello"}`},
	{Data: "[DONE]"},
}

func decodeAll(t *testing.T, input []byte, chunkSize int) []Frame {
	t.Helper()
	var dec Decoder
	var frames []Frame
	for start := 0; start < len(input); start += chunkSize {
		end := min(start+chunkSize, len(input))
		frames = append(frames, dec.Feed(input[start:end])...)
	}
	return frames
}

func TestDecoderChunkingInvariance(t *testing.T) {
	input := []byte(wellFormed)

	// Every chunk size, including one byte at a time and the whole buffer at
	// once, must decode to the identical frame sequence.
	for _, size := range []int{1, 2, 3, 5, 7, 16, 64, len(input)} {
		t.Run(fmt.Sprintf("chunk=%d", size), func(t *testing.T) {
			frames := decodeAll(t, input, size)
			if !reflect.DeepEqual(frames, wellFormedFrames) {
				t.Errorf("frames = %#v\nwant %#v", frames, wellFormedFrames)
			}
		})
	}
}

func TestDecoderRetainsPartialFrame(t *testing.T) {
	var dec Decoder

	if frames := dec.Feed([]byte("data: par")); len(frames) != 0 {
		t.Fatalf("partial feed produced frames: %#v", frames)
	}
	if frames := dec.Feed([]byte("tial\n")); len(frames) != 0 {
		t.Fatalf("unterminated frame produced frames: %#v", frames)
	}

	frames := dec.Feed([]byte("\n"))
	if len(frames) != 1 || frames[0].Data != "partial" {
		t.Errorf("frames = %#v; want single frame with data %q", frames, "partial")
	}
}

func TestDecoderCRLF(t *testing.T) {
	var dec Decoder
	frames := dec.Feed([]byte("event: delta\r\ndata: x\r\n\r\n"))
	want := []Frame{{Event: "delta", Data: "x"}}
	if !reflect.DeepEqual(frames, want) {
		t.Errorf("frames = %#v; want %#v", frames, want)
	}
}

func TestDecoderBlankLinesWithoutFields(t *testing.T) {
	var dec Decoder
	if frames := dec.Feed([]byte("\n\n: ping\n\n")); len(frames) != 0 {
		t.Errorf("expected no frames, got %#v", frames)
	}
}

func TestDecoderDataWithoutSpace(t *testing.T) {
	var dec Decoder
	frames := dec.Feed([]byte("data:tight\n\n"))
	if len(frames) != 1 || frames[0].Data != "tight" {
		t.Errorf("frames = %#v", frames)
	}
}

func TestFrameIsDone(t *testing.T) {
	if !(Frame{Data: "[DONE]"}).IsDone() {
		t.Error("expected [DONE] frame to report done")
	}
	if (Frame{Data: `{"type":"message"}`}).IsDone() {
		t.Error("unexpected done")
	}
}
