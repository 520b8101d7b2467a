package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResponseType tags the response envelope. Values match the canonical
// JSON vocabulary used on the wire; decoding is case-insensitive.
type ResponseType string

const (
	ResponseJSONObject ResponseType = "JsonObject"
	ResponseFilePath   ResponseType = "FilePath"
	ResponseNull       ResponseType = "Null"
	ResponseError      ResponseType = "Error"
)

// Response is the tagged union carried back for every invocation: inline
// JSON, a blob side-channel reference, null, or an error message.
type Response struct {
	ResponseType ResponseType    `json:"ResponseType"`
	JsonData     json.RawMessage `json:"JsonData,omitempty"`
	FilePath     string          `json:"FilePath,omitempty"`
	ErrorMessage string          `json:"ErrorMessage,omitempty"`
}

func NewInline(v any) (Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{}, fmt.Errorf("marshal inline payload: %w", err)
	}
	return Response{ResponseType: ResponseJSONObject, JsonData: data}, nil
}

func NewInlineRaw(data json.RawMessage) Response {
	return Response{ResponseType: ResponseJSONObject, JsonData: data}
}

func NewBlob(path string) Response {
	return Response{ResponseType: ResponseFilePath, FilePath: path}
}

func NewNull() Response {
	return Response{ResponseType: ResponseNull}
}

func NewError(message string) Response {
	return Response{ResponseType: ResponseError, ErrorMessage: message}
}

// Kind normalizes the tag for comparison. Unknown tags map to an empty
// kind so callers can reject them explicitly.
func (r Response) Kind() ResponseType {
	tag := string(r.ResponseType)
	switch {
	case strings.EqualFold(tag, string(ResponseJSONObject)):
		return ResponseJSONObject
	case strings.EqualFold(tag, string(ResponseFilePath)):
		return ResponseFilePath
	case strings.EqualFold(tag, string(ResponseNull)):
		return ResponseNull
	case strings.EqualFold(tag, string(ResponseError)):
		return ResponseError
	}
	return ""
}
