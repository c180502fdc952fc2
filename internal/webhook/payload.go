// Package webhook parses and authenticates provider callbacks before they reach the coordinator.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ErrInvalidPayload wraps every parse and schema failure.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Event is the canonical terminal status of one task.
type Event struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	ResultURL    string `json:"result_url,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// eventSchema is a tagged union on status: success events may carry a result,
// failure events must carry an error code.
const eventSchema = `{
  "type": "object",
  "required": ["task_id", "status"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1, "maxLength": 255},
    "status": {"enum": ["success", "failure"]},
    "result_url": {"type": "string"},
    "error_code": {"type": "string", "maxLength": 128},
    "error_message": {"type": "string"}
  },
  "oneOf": [
    {
      "properties": {"status": {"const": "success"}},
      "not": {"required": ["error_code"]}
    },
    {
      "properties": {"status": {"const": "failure"}, "error_code": {"minLength": 1}},
      "required": ["error_code"]
    }
  ]
}`

// Codes reported by the provider-native callback format.
var nativeErrorCodes = map[int64]string{
	400: "content_policy_violation",
	500: "internal_error",
	501: "generation_failed",
}

// camelCase spellings accepted for canonical fields.
var aliases = map[string]string{
	"taskId":       "task_id",
	"resultUrl":    "result_url",
	"errorCode":    "error_code",
	"errorMessage": "error_message",
}

type Parser struct {
	schema *jsonschema.Schema
}

func NewParser() (*Parser, error) {
	s, err := jsonschema.CompileString("https://creditengine.local/schemas/webhook-event.json", eventSchema)
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	return &Parser{schema: s}, nil
}

// Parse accepts either the canonical body or the provider-native
// {code, msg, data:{taskId, info:{resultImageUrl}}} body and returns a validated Event.
func (p *Parser) Parse(body []byte) (*Event, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidPayload)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected an object", ErrInvalidPayload)
	}

	var doc map[string]any
	if root.Get("code").Exists() && root.Get("data").IsObject() {
		doc = translateNative(root)
	} else {
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		for alias, field := range aliases {
			if v, ok := doc[alias]; ok {
				if _, dup := doc[field]; !dup {
					doc[field] = v
				}
				delete(doc, alias)
			}
		}
	}

	if err := p.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ev := &Event{}
	ev.TaskID, _ = doc["task_id"].(string)
	ev.Status, _ = doc["status"].(string)
	ev.ResultURL, _ = doc["result_url"].(string)
	ev.ErrorCode, _ = doc["error_code"].(string)
	ev.ErrorMessage, _ = doc["error_message"].(string)
	return ev, nil
}

func translateNative(root gjson.Result) map[string]any {
	doc := map[string]any{
		"task_id": root.Get("data.taskId").String(),
	}
	code := root.Get("code").Int()
	if code == 200 {
		doc["status"] = StatusSuccess
		if u := root.Get("data.info.resultImageUrl"); u.Exists() {
			doc["result_url"] = u.String()
		}
		return doc
	}
	doc["status"] = StatusFailure
	errCode, ok := nativeErrorCodes[code]
	if !ok {
		errCode = "unknown_error"
	}
	doc["error_code"] = errCode
	msg := root.Get("msg").String()
	if msg == "" {
		msg = "provider code " + strconv.FormatInt(code, 10)
	}
	doc["error_message"] = msg
	return doc
}
