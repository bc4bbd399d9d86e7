package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/sjson"
)

const doneEvent = "data: [DONE]\n\n"

// chunkBase builds the shared envelope of a completion chunk.
func chunkBase(id string, created int64, model string) string {
	out := `{}`
	out, _ = sjson.Set(out, "id", id)
	out, _ = sjson.Set(out, "object", "chat.completion.chunk")
	out, _ = sjson.Set(out, "created", created)
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "choices.0.index", 0)
	out, _ = sjson.SetRaw(out, "choices.0.finish_reason", "null")
	return out
}

// roleChunk is the leading chunk announcing the assistant role.
func roleChunk(id string, created int64, model string) string {
	out := chunkBase(id, created, model)
	out, _ = sjson.Set(out, "choices.0.delta.role", "assistant")
	return out
}

// contentChunk carries one text delta.
func contentChunk(id string, created int64, model string, text string) string {
	out := chunkBase(id, created, model)
	out, _ = sjson.Set(out, "choices.0.delta.content", text)
	return out
}

// finishChunk closes the stream with an empty delta and a stop reason.
func finishChunk(id string, created int64, model string) string {
	out := chunkBase(id, created, model)
	out, _ = sjson.SetRaw(out, "choices.0.delta", "{}")
	out, _ = sjson.Set(out, "choices.0.finish_reason", "stop")
	return out
}

// errorChunk reports a mid-stream failure in-band before the stream closes.
func errorChunk(id string, created int64, model string, message string) string {
	out := chunkBase(id, created, model)
	out, _ = sjson.Set(out, "choices.0.delta.content", "\n[error] "+message)
	return out
}

// writeSSE emits one data event and flushes when the writer supports it.
func writeSSE(w io.Writer, payload string) {
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// writeDone terminates the event stream.
func writeDone(w io.Writer) {
	_, _ = io.WriteString(w, doneEvent)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// completionResponse is the non-streaming response body. content is either a
// string or a part array, depending on the negotiated format.
func completionResponse(id string, created int64, model string, content any) ([]byte, error) {
	resp := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
		},
	}
	return json.Marshal(resp)
}
