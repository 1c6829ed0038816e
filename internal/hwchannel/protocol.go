package hwchannel

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Line prefixes written by the worker on stdout.
const (
	PrefixStatus = "STATUS:"
	PrefixError  = "ERROR:"
	PrefixData   = "DATA:"
	PrefixFrame  = "FRAME:"
)

// Command names understood by the worker.
const (
	CmdPing          = "ping"
	CmdVersion       = "get_version"
	CmdCheckHardware = "check_hardware"

	CmdCameraConnect    = "camera:connect"
	CmdCameraDisconnect = "camera:disconnect"
	CmdCameraConfigure  = "camera:configure"
	CmdCameraCapture    = "camera:capture"
	CmdCameraStatus     = "camera:get_status"
	CmdCameraStream     = "camera:start_stream"
	CmdCameraStopStream = "camera:stop_stream"

	CmdDAQInitialize = "daq:initialize"
	CmdDAQCleanup    = "daq:cleanup"
	CmdDAQRotate     = "daq:rotate"
	CmdDAQStep       = "daq:step"
	CmdDAQHome       = "daq:home"
	CmdDAQStatus     = "daq:get_status"
)

// Request is one command written to the worker's stdin.
type Request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the DATA payload answering a Request.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// MessageKind classifies unsolicited worker output.
type MessageKind string

const (
	MessageStatus MessageKind = "status"
	MessageError  MessageKind = "error"
	MessageFrame  MessageKind = "frame"
	MessageRaw    MessageKind = "raw"
)

// Message is a line of worker output that is not a command response.
type Message struct {
	Kind MessageKind
	Text string
}

type lineKind int

const (
	lineRaw lineKind = iota
	lineData
	lineStatus
	lineError
	lineFrame
)

func parseLine(line string) (lineKind, string) {
	line = strings.TrimRight(line, "\r")
	switch {
	case strings.HasPrefix(line, PrefixData):
		return lineData, strings.TrimPrefix(line, PrefixData)
	case strings.HasPrefix(line, PrefixStatus):
		return lineStatus, strings.TrimSpace(strings.TrimPrefix(line, PrefixStatus))
	case strings.HasPrefix(line, PrefixError):
		return lineError, strings.TrimSpace(strings.TrimPrefix(line, PrefixError))
	case strings.HasPrefix(line, PrefixFrame):
		return lineFrame, strings.TrimPrefix(line, PrefixFrame)
	default:
		return lineRaw, line
	}
}

// FormatResponse renders a DATA line without the trailing newline.
func FormatResponse(resp Response) (string, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("encode response: %w", err)
	}
	return PrefixData + string(payload), nil
}

// DecodeRequest parses one stdin line written by a Channel.
func DecodeRequest(line string) (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if req.ID == "" {
		return req, fmt.Errorf("decode request: missing id")
	}
	if req.Command == "" {
		return req, fmt.Errorf("decode request: missing command")
	}
	return req, nil
}
