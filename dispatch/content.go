package dispatch

import (
	"encoding/json"
	"fmt"
)

// splitCapture pulls the inline base64 image out of a capture response
// and returns it as a separate typed content part, leaving a short
// descriptive reference in the JSON body. Structured-result consumers
// never have to parse megabytes of inline base64.
func splitCapture(raw json.RawMessage) (Result, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Result{}, fmt.Errorf("capture result malformed: %w", err)
	}
	data, _ := payload["data"].(string)
	if data == "" {
		// Nothing inline to split out.
		return Result{Content: []Content{{Type: "text", Text: string(raw)}}}, nil
	}
	mimeType, _ := payload["mimeType"].(string)
	if mimeType == "" {
		mimeType = "image/png"
	}
	payload["data"] = fmt.Sprintf("<%d bytes of base64 %s, returned as image content>", len(data), mimeType)
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}
	return Result{Content: []Content{
		{Type: "text", Text: string(body)},
		{Type: "image", Data: data, MimeType: mimeType},
	}}, nil
}
