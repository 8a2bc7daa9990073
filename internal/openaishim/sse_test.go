package openaishim

import (
	"strings"
	"testing"
)

type sampleEvent struct {
	Choice string `json:"choice"`
}

func TestParseSSERoundTrip(t *testing.T) {
	x := sampleEvent{Choice: "a"}
	y := sampleEvent{Choice: "b"}

	evX, err := FormatEvent(x)
	if err != nil {
		t.Fatalf("FormatEvent(x): %v", err)
	}
	evY, err := FormatEvent(y)
	if err != nil {
		t.Fatalf("FormatEvent(y): %v", err)
	}
	stream := evX + evY + FormatDone()

	var got []SSEEvent
	if err := ParseSSELines(strings.NewReader(stream), func(e SSEEvent) bool {
		got = append(got, e)
		return true
	}); err != nil {
		t.Fatalf("ParseSSELines: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(got), got)
	}
	if got[0].Done || got[1].Done || !got[2].Done {
		t.Errorf("done flags = %v, %v, %v; want false, false, true", got[0].Done, got[1].Done, got[2].Done)
	}
	if string(got[0].Data) != `{"choice":"a"}` {
		t.Errorf("got[0].Data = %s, want choice a", got[0].Data)
	}
	if string(got[1].Data) != `{"choice":"b"}` {
		t.Errorf("got[1].Data = %s, want choice b", got[1].Data)
	}
}

func TestParseSSESkipsCommentsAndEmptyLines(t *testing.T) {
	input := ": this is a comment\n\ndata: {\"choice\":\"a\"}\n\n"

	var got []SSEEvent
	if err := ParseSSELines(strings.NewReader(input), func(e SSEEvent) bool {
		got = append(got, e)
		return true
	}); err != nil {
		t.Fatalf("ParseSSELines: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1 (comment/empty lines skipped): %+v", len(got), got)
	}
}

func TestParseSSESkipsMalformedJSON(t *testing.T) {
	input := "data: {not valid json\n\ndata: {\"choice\":\"a\"}\n\n"

	var got []SSEEvent
	if err := ParseSSELines(strings.NewReader(input), func(e SSEEvent) bool {
		got = append(got, e)
		return true
	}); err != nil {
		t.Fatalf("ParseSSELines: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1 (malformed line skipped): %+v", len(got), got)
	}
}

func TestParseSSEStopsAtDone(t *testing.T) {
	input := "data: {\"choice\":\"a\"}\n\ndata: [DONE]\n\ndata: {\"choice\":\"should-not-appear\"}\n\n"

	var got []SSEEvent
	if err := ParseSSELines(strings.NewReader(input), func(e SSEEvent) bool {
		got = append(got, e)
		return true
	}); err != nil {
		t.Fatalf("ParseSSELines: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (stop at DONE): %+v", len(got), got)
	}
	if !got[1].Done {
		t.Errorf("second event Done = false, want true")
	}
}

func TestFormatDone(t *testing.T) {
	if FormatDone() != "data: [DONE]\n\n" {
		t.Errorf("FormatDone() = %q", FormatDone())
	}
}
