// Package protocol splits assistant responses into prose and typed widget
// blocks. A widget is a fenced JSON object opened by "```json" and closed by
// "```"; everything else is prose.
//
// Parse is lossless: joining the Source of every block reproduces the input
// byte for byte. A fenced span whose body is not valid JSON, or that is never
// closed, comes back as literal text. Adjacent text is always merged into one
// block, so a broken span never splits the prose around it.
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	StartMarker = "```json"
	EndMarker   = "```"
)

type Kind string

const (
	KindText   Kind = "text"
	KindWidget Kind = "widget"
)

type Block struct {
	Kind Kind
	// Source is the exact span of the input this block came from.
	Source string
	// Widget is set for KindWidget blocks only.
	Widget Widget
	// Payload is the fenced JSON body, compacted. Widget blocks only.
	Payload json.RawMessage
}

// Text returns the literal text of a text block.
func (b Block) Text() string {
	if b.Kind != KindText {
		return ""
	}
	return b.Source
}

type blockJSON struct {
	Kind    Kind            `json:"kind"`
	Value   string          `json:"value,omitempty"`
	Type    WidgetType      `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (b Block) MarshalJSON() ([]byte, error) {
	if b.Kind == KindText {
		return json.Marshal(blockJSON{Kind: KindText, Value: b.Source})
	}
	out := blockJSON{Kind: KindWidget, Type: b.Widget.Type(), Payload: b.Payload}
	if u, ok := b.Widget.(*Unknown); ok && u.Err != nil {
		out.Error = u.Err.Error()
	}
	return json.Marshal(out)
}

// Parse scans text once, left to right, and returns its blocks in order.
func Parse(text string) []Block {
	var blocks []Block
	cursor := 0
	for cursor < len(text) {
		rel := strings.Index(text[cursor:], StartMarker)
		if rel < 0 {
			blocks = appendText(blocks, text[cursor:])
			break
		}
		start := cursor + rel
		if start > cursor {
			blocks = appendText(blocks, text[cursor:start])
		}

		bodyStart := start + len(StartMarker)
		relEnd := strings.Index(text[bodyStart:], EndMarker)
		if relEnd < 0 {
			// Unterminated: never a widget.
			blocks = appendText(blocks, text[start:])
			break
		}
		bodyEnd := bodyStart + relEnd
		spanEnd := bodyEnd + len(EndMarker)
		span := text[start:spanEnd]

		if w, payload, ok := decodeWidget(text[bodyStart:bodyEnd]); ok {
			blocks = append(blocks, Block{Kind: KindWidget, Source: span, Widget: w, Payload: payload})
		} else {
			blocks = appendText(blocks, span)
		}
		cursor = spanEnd
	}
	return blocks
}

// Join concatenates the source spans of blocks.
func Join(blocks []Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.Source)
	}
	return sb.String()
}

// Widgets returns the widget blocks' widgets in order.
func Widgets(blocks []Block) []Widget {
	var out []Widget
	for _, b := range blocks {
		if b.Kind == KindWidget {
			out = append(out, b.Widget)
		}
	}
	return out
}

func appendText(blocks []Block, s string) []Block {
	if n := len(blocks); n > 0 && blocks[n-1].Kind == KindText {
		blocks[n-1].Source += s
		return blocks
	}
	return append(blocks, Block{Kind: KindText, Source: s})
}

func decodeWidget(body string) (Widget, json.RawMessage, bool) {
	raw := []byte(body)
	if !json.Valid(raw) {
		return nil, nil, false
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, nil, false
	}
	payload := json.RawMessage(compact.Bytes())
	return decodeVariant(payload), payload, true
}
