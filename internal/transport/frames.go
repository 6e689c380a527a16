package transport

import "time"

// Server to client frame types.
const (
	TypeData             = "terminal:data"
	TypeExit             = "terminal:exit"
	TypeScrollback       = "terminal:scrollback"
	TypeReady            = "terminal:ready"
	TypeError            = "terminal:error"
	TypeRateLimited      = "agent:rate-limited"
	TypeRateLimitCleared = "agent:rate-limit-cleared"
)

// Client to server frame types.
const (
	TypeInput             = "terminal:input"
	TypeResize            = "terminal:resize"
	TypeRequestScrollback = "terminal:requestScrollback"
	TypeAck               = "terminal:ack"
)

// Chunk is one retained piece of session output.
type Chunk struct {
	Seq  int64  `json:"seq"`
	Data string `json:"data"`
}

// RateLimit describes a detected rate limit.
type RateLimit struct {
	SessionID  string    `json:"sessionId"`
	WorktreeID string    `json:"worktreeId"`
	IsLimited  bool      `json:"isLimited"`
	DetectedAt time.Time `json:"detectedAt"`
	Message    string    `json:"message,omitempty"`
}

// ServerFrame is a JSON message sent to clients. Data is a string for
// terminal:data and a []Chunk for terminal:scrollback.
type ServerFrame struct {
	Type       string     `json:"type"`
	SessionID  string     `json:"sessionId,omitempty"`
	Data       any        `json:"data,omitempty"`
	Seq        *int64     `json:"seq,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	RateLimit  *RateLimit `json:"rateLimit,omitempty"`
	WorktreeID string     `json:"worktreeId,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Error      string     `json:"error,omitempty"`
	// Entry carries out-of-band payloads such as activity log entries.
	Entry any `json:"entry,omitempty"`
}

// ClientFrame is a JSON message received from clients.
//
// For terminal:ack, Count is the highest seq the client has received. An ack
// with a SessionID advances that session's watermark; one without applies to
// every session the client is viewing (input, resize, scrollback or an
// earlier ack), or to all sessions when it has not touched any.
type ClientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	SendEnter bool   `json:"sendEnter,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Count     *int64 `json:"count,omitempty"`
}

func dataFrame(sessionID string, c Chunk) ServerFrame {
	seq := c.Seq
	return ServerFrame{Type: TypeData, SessionID: sessionID, Data: c.Data, Seq: &seq}
}

func exitFrame(sessionID string, code int) ServerFrame {
	return ServerFrame{Type: TypeExit, SessionID: sessionID, ExitCode: &code}
}

func scrollbackFrame(sessionID string, chunks []Chunk) ServerFrame {
	if chunks == nil {
		chunks = []Chunk{}
	}
	return ServerFrame{Type: TypeScrollback, SessionID: sessionID, Data: chunks}
}

func errorFrame(sessionID string, err error) ServerFrame {
	return ServerFrame{Type: TypeError, SessionID: sessionID, Error: err.Error()}
}
