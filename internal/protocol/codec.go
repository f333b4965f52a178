package protocol

import (
	"encoding/json"
	"fmt"
)

var serverFrameTypes = map[FrameType]bool{
	FrameConnected:     true,
	FrameRoundStart:    true,
	FrameContent:       true,
	FrameToolCall:      true,
	FrameToolExecuting: true,
	FrameToolResult:    true,
	FrameConfirmAction: true,
	FrameToolExecuted:  true,
	FrameDone:          true,
	FrameError:         true,
	FramePong:          true,
}

var clientFrameTypes = map[FrameType]bool{
	FrameUserMessage:     true,
	FrameConfirmResponse: true,
	FrameCancel:          true,
	FramePing:            true,
}

// DecodeServerFrame parses one raw chunk into a server frame. A parse
// failure or unknown type is an error the caller is expected to log and
// drop; it must never take the session down.
func DecodeServerFrame(data []byte) (*ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: decode server frame: %w", err)
	}
	if !serverFrameTypes[f.Type] {
		return nil, fmt.Errorf("protocol: unknown server frame type %q", f.Type)
	}
	return &f, nil
}

// DecodeClientFrame parses one raw chunk into a client frame.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: decode client frame: %w", err)
	}
	if !clientFrameTypes[f.Type] {
		return nil, fmt.Errorf("protocol: unknown client frame type %q", f.Type)
	}
	return &f, nil
}

// EncodeFrame renders a frame to its wire form.
func EncodeFrame(f any) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	return data, nil
}
