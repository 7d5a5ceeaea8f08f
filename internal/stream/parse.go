package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/tinyfish-io/fanout/internal/task"
)

// AliasTable maps each semantic field of the wire protocol to the source keys
// that have carried it across integrations. Keys are tried in order.
type AliasTable struct {
	// Discriminators are fields whose value names the event kind.
	Discriminators []string

	// Discriminator values (case-insensitive) per kind.
	ResultValues   []string
	FailureValues  []string
	PreviewValues  []string
	ProgressValues []string

	// CompletionFlags are boolean fields that mark a final event when true.
	CompletionFlags []string

	// FailureFields mark a failure whenever they hold a non-empty value.
	FailureFields []string

	Preview []string
	// TypedPreview keys carry the preview handle only on events whose
	// discriminator names a preview. Too generic to sniff on their own.
	TypedPreview []string
	Result       []string
	Message []string
	Reason  []string
}

// DefaultAliases covers every field name observed from the automation API.
var DefaultAliases = AliasTable{
	Discriminators: []string{"type", "status", "event"},

	ResultValues:   []string{"COMPLETE", "COMPLETED", "DONE", "FINISHED", "SUCCESS"},
	FailureValues:  []string{"ERROR", "FAILED", "FAILURE"},
	PreviewValues:  []string{"STREAMING_URL", "PREVIEW", "LIVE_URL"},
	ProgressValues: []string{"STEP", "PROGRESS", "STATUS", "STARTED", "RUNNING"},

	CompletionFlags: []string{"completed", "done"},
	FailureFields:   []string{"error"},

	Preview: []string{
		"streamingUrl", "streaming_url",
		"liveUrl", "live_url",
		"previewUrl", "preview_url",
		"browserUrl", "browser_url",
	},
	TypedPreview: []string{"url"},
	Result:       []string{"resultJson", "result_json", "result", "output", "response", "answer", "data"},
	Message:      []string{"message", "purpose", "action", "step", "description", "text"},
	Reason:       []string{"error", "reason", "message"},
}

// DefaultFailureReason is used when a failure event carries no reason.
const DefaultFailureReason = "agent automation failed"

// Parser classifies frame payloads using an AliasTable.
type Parser struct {
	aliases AliasTable
	kinds   map[string]task.Kind
}

// NewParser builds a parser for the given alias table.
func NewParser(aliases AliasTable) *Parser {
	kinds := make(map[string]task.Kind)
	for _, group := range []struct {
		kind   task.Kind
		values []string
	}{
		{task.KindProgress, aliases.ProgressValues},
		{task.KindPreview, aliases.PreviewValues},
		{task.KindResult, aliases.ResultValues},
		{task.KindFailure, aliases.FailureValues},
	} {
		for _, v := range group.values {
			kinds[strings.ToUpper(v)] = group.kind
		}
	}
	return &Parser{aliases: aliases, kinds: kinds}
}

var defaultParser = NewParser(DefaultAliases)

// Parse classifies one payload with DefaultAliases.
func Parse(raw string) (task.Frame, bool) {
	return defaultParser.Parse(raw)
}

// Parse interprets one payload as a JSON object and classifies it. Anything
// that is not a recognisable event (malformed JSON, non-objects, heartbeats,
// the "[DONE]" marker) yields false. Precedence is failure, result, preview,
// progress, and a discriminator value always wins over field sniffing: a
// progress event that also carries a preview handle is progress. A result is
// produced only by a discriminator value or completion flag, never by the
// mere presence of an object-shaped field.
func (p *Parser) Parse(raw string) (task.Frame, bool) {
	fields, ok := decodeObject(raw)
	if !ok {
		return task.Frame{}, false
	}
	return p.classify(fields, raw)
}

// Frames returns every frame one payload carries, in apply order. It is Parse
// plus the preview handle riding on a progress event, so neither the message
// nor the handle is lost.
func (p *Parser) Frames(raw string) []task.Frame {
	fields, ok := decodeObject(raw)
	if !ok {
		return nil
	}
	f, ok := p.classify(fields, raw)
	if !ok {
		return nil
	}
	frames := []task.Frame{f}
	if f.Kind == task.KindProgress {
		if ref := p.firstString(fields, p.aliases.Preview); ref != "" {
			frames = append(frames, task.Preview(ref))
		}
	}
	return frames
}

func decodeObject(raw string) (map[string]json.RawMessage, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[DONE]" || raw[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func (p *Parser) classify(fields map[string]json.RawMessage, raw string) (task.Frame, bool) {
	labels := p.discriminate(fields)

	if _, ok := labels[task.KindFailure]; ok || p.hasAny(fields, p.aliases.FailureFields) {
		reason := p.firstString(fields, p.aliases.Reason)
		if reason == "" {
			reason = DefaultFailureReason
		}
		return task.Failure(reason), true
	}

	if _, ok := labels[task.KindResult]; ok || p.flagged(fields) {
		return task.Result(p.payload(fields, raw)), true
	}

	if _, ok := labels[task.KindPreview]; ok {
		ref := p.firstString(fields, p.aliases.Preview)
		if ref == "" {
			ref = p.firstString(fields, p.aliases.TypedPreview)
		}
		if ref == "" {
			return task.Frame{}, false
		}
		return task.Preview(ref), true
	}

	if label, ok := labels[task.KindProgress]; ok {
		if msg := p.firstString(fields, p.aliases.Message); msg != "" {
			return task.Progress(msg), true
		}
		return task.Progress(strings.ToLower(label)), true
	}

	// No discriminator: fall back to the fields present.
	if ref := p.firstString(fields, p.aliases.Preview); ref != "" {
		return task.Preview(ref), true
	}
	if msg := p.firstString(fields, p.aliases.Message); msg != "" {
		return task.Progress(msg), true
	}

	return task.Frame{}, false
}

func (p *Parser) discriminate(fields map[string]json.RawMessage) map[task.Kind]string {
	labels := make(map[task.Kind]string, 2)
	for _, key := range p.aliases.Discriminators {
		value, ok := stringField(fields, key)
		if !ok {
			continue
		}
		if kind, known := p.kinds[strings.ToUpper(value)]; known {
			if _, seen := labels[kind]; !seen {
				labels[kind] = value
			}
		}
	}
	return labels
}

func (p *Parser) flagged(fields map[string]json.RawMessage) bool {
	for _, key := range p.aliases.CompletionFlags {
		var b bool
		if v, ok := fields[key]; ok && json.Unmarshal(v, &b) == nil && b {
			return true
		}
	}
	return false
}

func (p *Parser) hasAny(fields map[string]json.RawMessage, keys []string) bool {
	for _, key := range keys {
		v, ok := fields[key]
		if !ok || isNull(v) {
			continue
		}
		if s, isString := stringField(fields, key); isString && strings.TrimSpace(s) == "" {
			continue
		}
		if v[0] == 'f' {
			continue
		}
		return true
	}
	return false
}

func (p *Parser) firstString(fields map[string]json.RawMessage, keys []string) string {
	for _, key := range keys {
		if s, ok := stringField(fields, key); ok && strings.TrimSpace(s) != "" {
			return s
		}
		// {"error": {"message": "..."}}
		var nested struct {
			Message string `json:"message"`
		}
		if v, ok := fields[key]; ok && len(v) > 0 && v[0] == '{' && json.Unmarshal(v, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
	}
	return ""
}

// payload picks the first non-null result alias, falling back to the whole
// event. Strings that embed JSON are repaired into structured values.
func (p *Parser) payload(fields map[string]json.RawMessage, raw string) json.RawMessage {
	for _, key := range p.aliases.Result {
		v, ok := fields[key]
		if !ok || isNull(v) {
			continue
		}
		if v[0] == '"' {
			return repairEmbedded(v)
		}
		return append(json.RawMessage(nil), v...)
	}
	return json.RawMessage(raw)
}

// repairEmbedded only touches strings that are themselves a JSON document
// (optionally fenced). Prose that happens to contain brackets stays a string.
func repairEmbedded(quoted json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(quoted, &s); err != nil {
		return quoted
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "```") {
		return quoted
	}
	if doc, ok := ExtractJSON(trimmed); ok {
		return doc
	}
	return quoted
}

// ExtractJSON finds the JSON object or array embedded in free text, such as
// a model reply wrapped in prose or a markdown fence, repairing common
// syntax slips. It reports false when no usable document is found.
func ExtractJSON(s string) (json.RawMessage, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return nil, false
	}
	end := strings.LastIndexAny(s, "}]")
	candidate := s[start:]
	if end > start {
		candidate = s[start : end+1]
	}
	if json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate), true
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil || !json.Valid([]byte(repaired)) {
		return nil, false
	}
	return json.RawMessage(repaired), true
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	v, ok := fields[key]
	if !ok || len(v) == 0 || v[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

func isNull(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}
