package providers

import (
	"github.com/tidwall/gjson"
)

// UsageFields is a usage object as reported by the Messages API. The Has*
// flags distinguish an explicit zero from an absent field.
type UsageFields struct {
	Input         int64
	Output        int64
	CacheCreation int64
	CacheRead     int64

	HasInput         bool
	HasOutput        bool
	HasCacheCreation bool
	HasCacheRead     bool
}

// Any reports whether at least one counter was present.
func (u UsageFields) Any() bool {
	return u.HasInput || u.HasOutput || u.HasCacheCreation || u.HasCacheRead
}

func readUsage(res gjson.Result) UsageFields {
	var u UsageFields
	if v := res.Get("input_tokens"); v.Exists() {
		u.Input, u.HasInput = v.Int(), true
	}
	if v := res.Get("output_tokens"); v.Exists() {
		u.Output, u.HasOutput = v.Int(), true
	}
	if v := res.Get("cache_creation_input_tokens"); v.Exists() {
		u.CacheCreation, u.HasCacheCreation = v.Int(), true
	}
	if v := res.Get("cache_read_input_tokens"); v.Exists() {
		u.CacheRead, u.HasCacheRead = v.Int(), true
	}
	return u
}

type FrameKind int

const (
	FrameOther FrameKind = iota
	FrameStart           // message_start: message.usage carries the input side
	FrameDelta           // message_delta: usage carries output (and maybe cache) counts
)

type Frame struct {
	Kind  FrameKind
	Model string
	Usage UsageFields
}

// ParseAnthropicFrame classifies one SSE data payload. ok is false when the
// payload is not valid JSON, which is expected for frames split across reads.
func ParseAnthropicFrame(data []byte) (f Frame, ok bool) {
	if !gjson.ValidBytes(data) {
		return Frame{}, false
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Frame{}, true
	}

	if u := root.Get("message.usage"); u.IsObject() {
		return Frame{
			Kind:  FrameStart,
			Model: root.Get("message.model").String(),
			Usage: readUsage(u),
		}, true
	}
	if u := root.Get("usage"); u.IsObject() {
		return Frame{Kind: FrameDelta, Usage: readUsage(u)}, true
	}
	return Frame{}, true
}

// ParseAnthropicBody extracts the model and usage from a non-streaming
// response. hasUsage is false when the body carries no usage object.
func ParseAnthropicBody(body []byte) (model string, usage UsageFields, hasUsage bool) {
	if !gjson.ValidBytes(body) {
		return "", UsageFields{}, false
	}
	root := gjson.ParseBytes(body)
	model = root.Get("model").String()
	u := root.Get("usage")
	if !u.IsObject() {
		return model, UsageFields{}, false
	}
	return model, readUsage(u), true
}
