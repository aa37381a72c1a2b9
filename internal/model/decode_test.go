package model

import (
	"strings"
	"testing"
)

func TestDecode_DraftObject(t *testing.T) {
	raw := []byte(`{
		"markdown": "# Intro\n\nBody.",
		"sections": [{"heading": "Intro", "content": "Body.", "status": "drafting", "order": 0}],
		"summary": "drafted the intro",
		"usage": {"input_tokens": 100, "output_tokens": 50, "total_tokens": 150}
	}`)

	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Markdown == "" || len(out.Sections) != 1 {
		t.Fatalf("unexpected output: %+v", out)
	}
	if out.Sections[0].Heading != "Intro" {
		t.Errorf("section heading: %q", out.Sections[0].Heading)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 150 {
		t.Errorf("usage not decoded: %+v", out.Usage)
	}
}

func TestDecode_ChatEnvelope(t *testing.T) {
	raw := []byte(`{
		"choices": [{"message": {"content": "{\"markdown\": \"# Intro\", \"sections\": []}"}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`)

	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Markdown != "# Intro" {
		t.Errorf("markdown: %q", out.Markdown)
	}
	if out.Usage == nil || out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 5 {
		t.Errorf("envelope usage not mapped: %+v", out.Usage)
	}
}

func TestDecode_EnvelopeWithFencedContent(t *testing.T) {
	content := "```json\n{\"markdown\": \"# Fenced\", \"sections\": []}\n```"
	raw := []byte(`{"choices": [{"message": {"content": ` + quoteJSON(content) + `}}]}`)

	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Markdown != "# Fenced" {
		t.Errorf("markdown: %q", out.Markdown)
	}
}

func TestDecode_FencedStringBody(t *testing.T) {
	raw := []byte(`"` + "```json\\n{\\\"markdown\\\": \\\"# Direct\\\"}\\n```" + `"`)

	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Markdown != "# Direct" {
		t.Errorf("markdown: %q", out.Markdown)
	}
}

func TestDecode_MissingMarkdownIsError(t *testing.T) {
	cases := map[string][]byte{
		"draft without markdown":    []byte(`{"sections": [], "summary": "no body"}`),
		"envelope without markdown": []byte(`{"choices": [{"message": {"content": "{\"sections\": []}"}}]}`),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(raw); err == nil {
				t.Error("expected error for response lacking markdown")
			}
		})
	}
}

func TestDecode_GarbageMatchesNoShape(t *testing.T) {
	_, err := Decode([]byte(`<html>definitely not json</html>`))
	if err == nil {
		t.Fatal("expected error for unrecognized body")
	}
	if !strings.Contains(err.Error(), "no known shape") {
		t.Errorf("error should report shape probing: %v", err)
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`{"a":1}`, `{"a":1}`},
		{"  ```json\n{}\n```  ", "{}"},
	}
	for _, tc := range cases {
		if got := stripFences(tc.in); got != tc.want {
			t.Errorf("stripFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func quoteJSON(s string) string {
	out := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(s)
	return `"` + out + `"`
}
