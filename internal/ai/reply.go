package ai

import (
	"encoding/json"
	"strings"

	"github.com/fyrsmithlabs/collabd/internal/protocol"
)

// DefaultReplyText is shown when a structured reply has a file tree but no
// text of its own.
const DefaultReplyText = "File tree updated."

// ParseReply reports whether raw is a structured reply: a single JSON
// object, optionally wrapped in a Markdown code fence, with a fileTree
// field. raw itself is never modified.
func ParseReply(raw string) (*protocol.StructuredReply, bool) {
	body := StripCodeFence(raw)
	if !strings.HasPrefix(body, "{") {
		return nil, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, false
	}
	rawTree, ok := fields["fileTree"]
	if !ok {
		return nil, false
	}

	var tree any
	if err := json.Unmarshal(rawTree, &tree); err != nil || tree == nil {
		return nil, false
	}

	text := DefaultReplyText
	if rawText, ok := fields["text"]; ok {
		var s string
		if err := json.Unmarshal(rawText, &s); err == nil && strings.TrimSpace(s) != "" {
			text = s
		}
	}
	return &protocol.StructuredReply{Version: 1, Text: text, FileTree: tree}, true
}

// StripCodeFence removes one surrounding ``` fence (with optional language
// tag) and trims whitespace.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
