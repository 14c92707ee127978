package models

import (
	"encoding/json"
	"testing"
)

func TestMessageText(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want string
	}{
		{"user", NewUserText("hi", nil), "hi"},
		{"assistant", NewAssistantText("hello"), "hello"},
		{"thinking", NewThinking("sig", "pondering"), "pondering"},
		{"tool_call", NewToolCall("tc1", "ls", json.RawMessage(`{}`)), ""},
		{"tool_result", NewToolResultText("tc1", "a.txt", false), "a.txt"},
	}
	for _, tc := range cases {
		if got := tc.msg.Text(); got != tc.want {
			t.Errorf("%s: Text() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestSummaryFlag(t *testing.T) {
	if NewAssistantText("x").IsSummary() {
		t.Error("plain assistant text should not be a summary")
	}
	if !NewSummary("condensed").IsSummary() {
		t.Error("NewSummary should mark the message as summary")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msgs := []Message{
		NewUserText("list files", []ImageRef{{Path: "shot.png", MimeType: "image/png"}}),
		NewThinking("sig-1", "let me look"),
		NewToolCall("tc1", "ls", json.RawMessage(`{"path":"/w"}`)),
		NewToolResult("tc1", []ContentBlock{
			TextBlock("a.txt"),
			{Type: BlockImage, Image: &ImageBlock{Data: "aGVsbG8=", MimeType: "image/png"}},
		}, false),
	}

	data, err := json.Marshal(msgs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded []Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != len(msgs) {
		t.Fatalf("decoded %d messages, want %d", len(decoded), len(msgs))
	}
	for i, m := range decoded {
		if m.Type != msgs[i].Type {
			t.Errorf("message %d: type = %s, want %s", i, m.Type, msgs[i].Type)
		}
	}
	if decoded[3].ToolResult == nil || decoded[3].ToolResult.Content[1].Image.Data != "aGVsbG8=" {
		t.Error("image block data lost in round trip")
	}
}

func TestBlocksTextSkipsImages(t *testing.T) {
	blocks := []ContentBlock{
		TextBlock("one"),
		{Type: BlockImage, Image: &ImageBlock{Data: "xx", MimeType: "image/png"}},
		TextBlock("two"),
	}
	if got := BlocksText(blocks); got != "one\ntwo" {
		t.Errorf("BlocksText = %q, want %q", got, "one\ntwo")
	}
}
