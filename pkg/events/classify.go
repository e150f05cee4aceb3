package events

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

const (
	// EndSentinel marks the end of an un-enveloped stage stream.
	EndSentinel = "__end__"

	fallbackErrorMessage = "unknown backend error"
)

type envelope struct {
	Type      json.RawMessage `json:"type"`
	Data      json.RawMessage `json:"data"`
	Message   json.RawMessage `json:"message"`
	Error     json.RawMessage `json:"error"`
	RequestID string          `json:"request_id"`
}

type messageChunk struct {
	Content          json.RawMessage `json:"content"`
	ResponseMetadata struct {
		LanggraphNode string `json:"langgraph_node"`
		Node          string `json:"node"`
	} `json:"response_metadata"`
}

type chunkMetadata struct {
	LanggraphNode string `json:"langgraph_node"`
}

type wireMessage struct {
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	Content   json.RawMessage `json:"content"`
	ToolCalls []struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"tool_calls"`
}

type field struct {
	Key   string
	Value json.RawMessage
}

// Classify turns one decoded record into an Event. It never fails: anything it cannot place
// becomes Unrecognized.
func Classify(raw json.RawMessage) Event {
	if !isObject(raw) {
		return Unrecognized{Reason: "record is not an object"}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Unrecognized{Reason: err.Error()}
	}
	if len(env.Type) == 0 || isNull(env.Type) {
		return classifyBare(raw)
	}

	var typ string
	if err := json.Unmarshal(env.Type, &typ); err != nil {
		return Unrecognized{Reason: "type is not a string"}
	}
	switch typ {
	case "start":
		return Start{RequestID: env.RequestID}
	case "final":
		text, ok := stringValue(env.Message)
		if !ok {
			text, _ = stringValue(env.Data)
		}
		return Final{Text: text}
	case "error":
		return Error{Message: errorMessage(env)}
	case "update":
		return classifyUpdate(env.Data)
	default:
		return Unrecognized{Reason: "unknown type " + typ}
	}
}

func classifyUpdate(data json.RawMessage) Event {
	switch {
	case isArray(data):
		var tuple []json.RawMessage
		if err := json.Unmarshal(data, &tuple); err != nil || len(tuple) < 2 {
			return Unrecognized{Reason: "update tuple too short"}
		}
		if tag, _ := stringValue(tuple[0]); tag != "messages" {
			return Unrecognized{Reason: "update tuple tag " + tag}
		}
		return fragmentFromTuple(tuple[1:])
	case isObject(data):
		fields, err := objectFields(data)
		if err != nil {
			return Unrecognized{Reason: err.Error()}
		}
		return stageFromFields(fields)
	default:
		return Unrecognized{Reason: "update without data"}
	}
}

// classifyBare handles records without an envelope, whose top-level keys are stage names.
func classifyBare(raw json.RawMessage) Event {
	fields, err := objectFields(raw)
	if err != nil {
		return Unrecognized{Reason: err.Error()}
	}
	for _, f := range fields {
		if f.Key == EndSentinel {
			text, _ := stringValue(f.Value)
			return Final{Text: text}
		}
	}
	return stageFromFields(fields)
}

// fragmentFromTuple accepts both ["messages", chunk, metadata] and ["messages", [chunk, metadata]].
func fragmentFromTuple(rest []json.RawMessage) Event {
	chunkRaw := rest[0]
	var metaRaw json.RawMessage
	if len(rest) > 1 {
		metaRaw = rest[1]
	}
	if isArray(chunkRaw) {
		var pair []json.RawMessage
		if err := json.Unmarshal(chunkRaw, &pair); err != nil || len(pair) == 0 {
			return Unrecognized{Reason: "empty message pair"}
		}
		chunkRaw = pair[0]
		if len(pair) > 1 {
			metaRaw = pair[1]
		}
	}
	if !isObject(chunkRaw) {
		return Unrecognized{Reason: "message chunk is not an object"}
	}

	var chunk messageChunk
	if err := json.Unmarshal(chunkRaw, &chunk); err != nil {
		return Unrecognized{Reason: err.Error()}
	}
	stage := firstNonEmpty(chunk.ResponseMetadata.LanggraphNode, chunk.ResponseMetadata.Node)
	if stage == "" && isObject(metaRaw) {
		var meta chunkMetadata
		if err := json.Unmarshal(metaRaw, &meta); err == nil {
			stage = meta.LanggraphNode
		}
	}
	return Fragment{Stage: stage, Text: contentText(chunk.Content)}
}

func stageFromFields(fields []field) Event {
	if len(fields) == 0 {
		return Unrecognized{Reason: "empty stage mapping"}
	}
	first := fields[0]
	if strings.TrimSpace(first.Key) == "" {
		return Unrecognized{Reason: "empty stage name"}
	}
	return StageSnapshot{Stage: first.Key, Messages: stageMessages(first.Value)}
}

func stageMessages(value json.RawMessage) []StageMessage {
	if !isObject(value) {
		return nil
	}
	var state struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(value, &state); err != nil {
		return nil
	}

	var wire []wireMessage
	switch {
	case isArray(state.Messages):
		if err := json.Unmarshal(state.Messages, &wire); err != nil {
			return nil
		}
	case isObject(state.Messages):
		var one wireMessage
		if err := json.Unmarshal(state.Messages, &one); err != nil {
			return nil
		}
		wire = []wireMessage{one}
	default:
		return nil
	}

	out := make([]StageMessage, 0, len(wire))
	for _, w := range wire {
		m := StageMessage{Type: w.Type, Name: w.Name, Content: contentText(w.Content)}
		for _, tc := range w.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
		}
		out = append(out, m)
	}
	return out
}

// contentText flattens a message content that is either a string or a list of content parts.
func contentText(raw json.RawMessage) string {
	if s, ok := stringValue(raw); ok {
		return s
	}
	if !isArray(raw) {
		return ""
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if s, ok := stringValue(p); ok {
			b.WriteString(s)
			continue
		}
		var part struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(p, &part); err == nil {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func errorMessage(env envelope) string {
	if s, ok := stringValue(env.Error); ok && s != "" {
		return s
	}
	if isObject(env.Error) {
		var e struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Error, &e); err == nil && e.Message != "" {
			return e.Message
		}
	}
	if s, ok := stringValue(env.Message); ok && s != "" {
		return s
	}
	return fallbackErrorMessage
}

// objectFields returns the members of a JSON object in document order.
func objectFields(raw json.RawMessage) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, errors.Wrap(err, "read object start")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("not an object")
	}
	var fields []field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "read object key")
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errors.New("object key is not a string")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, errors.Wrapf(err, "read value of %q", key)
		}
		fields = append(fields, field{Key: key, Value: value})
	}
	return fields, nil
}

func stringValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || firstByte(raw) != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func firstByte(raw json.RawMessage) byte {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

func isObject(raw json.RawMessage) bool { return firstByte(raw) == '{' }
func isArray(raw json.RawMessage) bool { return firstByte(raw) == '[' }
func isNull(raw json.RawMessage) bool { return bytes.Equal(bytes.TrimSpace(raw), []byte("null")) }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
