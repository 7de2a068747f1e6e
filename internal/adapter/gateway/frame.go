// Package gateway is the WebSocket surface: token-authenticated
// connections, typed JSON frames, and per-thread turn sessions.
package gateway

import (
	"encoding/json"
	"time"

	"parley/internal/domain"
)

// FrameType discriminates wire frames.
type FrameType string

// Client → server.
const (
	FrameMessage FrameType = "message"
	FramePing    FrameType = "ping"
)

// Server → client.
const (
	FrameToken        FrameType = "token"
	FrameToolStart    FrameType = "tool_start"
	FrameToolComplete FrameType = "tool_complete"
	FrameComplete     FrameType = "complete"
	FrameError        FrameType = "error"
	FramePong         FrameType = "pong"
)

// Frame is the envelope for both directions. Fields are populated per
// type; omitempty keeps frames minimal on the wire.
type Frame struct {
	Type FrameType `json:"type"`

	// message (in); complete (out).
	ThreadID string `json:"threadId,omitempty"`
	// message (in); token (out).
	Content string `json:"content,omitempty"`

	// tool_start / tool_complete.
	ToolName      string          `json:"toolName,omitempty"`
	ArgumentsJSON json.RawMessage `json:"argumentsJson,omitempty"`
	ResultText    string          `json:"resultText,omitempty"`
	Source        string          `json:"source,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`

	// complete.
	MessageID string `json:"messageId,omitempty"`

	// error.
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// builtinSource labels tools served by the in-process registry. The
// field exists so future external tool sources are distinguishable.
const builtinSource = "builtin"

func frameTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func tokenFrame(content string) Frame {
	return Frame{Type: FrameToken, Content: content}
}

func toolStartFrame(toolName string, args json.RawMessage) Frame {
	return Frame{
		Type:          FrameToolStart,
		ToolName:      toolName,
		ArgumentsJSON: args,
		Source:        builtinSource,
		Timestamp:     frameTimestamp(),
	}
}

func toolCompleteFrame(toolName, result string) Frame {
	return Frame{
		Type:       FrameToolComplete,
		ToolName:   toolName,
		ResultText: result,
		Source:     builtinSource,
		Timestamp:  frameTimestamp(),
	}
}

func completeFrame(threadID, messageID string) Frame {
	return Frame{Type: FrameComplete, ThreadID: threadID, MessageID: messageID}
}

func errorFrame(code domain.ErrorCode, message string) Frame {
	return Frame{Type: FrameError, Code: string(code), Message: message}
}

func pongFrame() Frame {
	return Frame{Type: FramePong}
}
