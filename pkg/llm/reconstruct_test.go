package llm

import "testing"

func TestReconstruct_ConcatenatesContentDeltas(t *testing.T) {
	chunks := []ChunkDelta{
		{ContentDelta: "Hel"},
		{ContentDelta: "lo, "},
		{ContentDelta: "world!"},
	}
	got := Reconstruct(chunks)
	if got.Content != "Hello, world!" {
		t.Fatalf("unexpected content: %q", got.Content)
	}
	if got.Partial {
		t.Fatalf("reconstructed response must not be partial")
	}
	if got.FinishReason != FinishReasonStop {
		t.Fatalf("expected stop finish reason, got %v", got.FinishReason)
	}
}

func TestReconstruct_MergesToolCallDeltasByIndex(t *testing.T) {
	chunks := []ChunkDelta{
		{ToolCallDelta: []ToolCallDelta{{Index: 0, ID: "c1", NameDelta: "shell_"}}},
		{ToolCallDelta: []ToolCallDelta{{Index: 0, NameDelta: "command"}, {Index: 1, ID: "c2", NameDelta: "read_file"}}},
		{ToolCallDelta: []ToolCallDelta{{Index: 0, ArgsDelta: `{"command":`}, {Index: 1, ArgsDelta: `{"path":"a"}`}}},
		{ToolCallDelta: []ToolCallDelta{{Index: 0, ArgsDelta: `"date"}`}}},
	}
	got := Reconstruct(chunks)
	if len(got.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(got.ToolCalls))
	}
	if got.ToolCalls[0].ID != "c1" || got.ToolCalls[0].Function.Name != "shell_command" {
		t.Fatalf("unexpected tool call 0: %+v", got.ToolCalls[0])
	}
	if got.ToolCalls[0].Function.Arguments != `{"command":"date"}` {
		t.Fatalf("unexpected merged arguments: %q", got.ToolCalls[0].Function.Arguments)
	}
	if got.ToolCalls[1].ID != "c2" || got.ToolCalls[1].Function.Name != "read_file" {
		t.Fatalf("unexpected tool call 1: %+v", got.ToolCalls[1])
	}
	if got.FinishReason != FinishReasonToolCalls {
		t.Fatalf("expected tool_calls finish reason, got %v", got.FinishReason)
	}
}

func TestReconstruct_AuthoritativeFinalOverridesDeltaMerge(t *testing.T) {
	final := &Response{Content: "authoritative", FinishReason: FinishReasonStop, Usage: &Usage{TotalTokens: 42}}
	chunks := []ChunkDelta{
		{ContentDelta: "partial "},
		{ContentDelta: "reconstruction", Final: final},
	}
	got := Reconstruct(chunks)
	if got != final {
		t.Fatalf("expected the authoritative final response to be returned verbatim")
	}
}
