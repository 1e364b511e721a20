package api

import "github.com/samcharles93/ember/internal/session"

type InferRequest struct {
	Inputs      []session.Dialog `json:"inputs" cbor:"inputs"`
	SessionID   string           `json:"session_id,omitempty" cbor:"session_id,omitempty"`
	DialogPos   *int             `json:"dialog_pos,omitempty" cbor:"dialog_pos,omitempty"`
	Temperature *float32         `json:"temperature,omitempty" cbor:"temperature,omitempty"`
	TopK        *int             `json:"top_k,omitempty" cbor:"top_k,omitempty"`
	TopP        *float32         `json:"top_p,omitempty" cbor:"top_p,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty" cbor:"max_tokens,omitempty"`
	Seed        uint64           `json:"seed,omitempty" cbor:"seed,omitempty"`
	Stream      bool             `json:"stream,omitempty" cbor:"stream,omitempty"`
}

type InferResponse struct {
	SessionID string   `json:"session_id" cbor:"session_id"`
	Tokens    []uint32 `json:"tokens" cbor:"tokens"`
	DialogPos int      `json:"dialog_pos" cbor:"dialog_pos"`
	Finish    string   `json:"finish_reason" cbor:"finish_reason"`
	Prefilled int      `json:"prefilled" cbor:"prefilled"`
	ElapsedMS float64  `json:"elapsed_ms" cbor:"elapsed_ms"`
}

type ForkRequest struct {
	SessionID    string `json:"session_id" cbor:"session_id"`
	NewSessionID string `json:"new_session_id" cbor:"new_session_id"`
}

type DropRequest struct {
	SessionID string `json:"session_id" cbor:"session_id"`
}

// SuccessBody answers fork and drop. NewSessionID is set on fork.
type SuccessBody struct {
	Status       int    `json:"status" cbor:"status"`
	Message      string `json:"message" cbor:"message"`
	NewSessionID string `json:"new_session_id,omitempty" cbor:"new_session_id,omitempty"`
}

type ErrorBody struct {
	Status           int    `json:"status" cbor:"status"`
	Code             int    `json:"code" cbor:"code"`
	Message          string `json:"message" cbor:"message"`
	CurrentDialogPos *int   `json:"current_dialog_pos,omitempty" cbor:"current_dialog_pos,omitempty"`
}

type SessionList struct {
	Sessions []session.Info `json:"sessions" cbor:"sessions"`
}

type Health struct {
	Status    string `json:"status" cbor:"status"`
	Backend   string `json:"backend" cbor:"backend"`
	Sessions  int    `json:"sessions" cbor:"sessions"`
	Version   string `json:"version" cbor:"version"`
	MaxSeqLen int    `json:"max_seq_len" cbor:"max_seq_len"`
}
