package syncapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

var ErrInvalidRequest = errors.New("invalid request")

// LoginRequest is the Struct payload of Login.
type LoginRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// EnqueueRequest is the Struct payload of Enqueue. Secret unlocks the
// user's keys for the lifetime of the job.
type EnqueueRequest struct {
	AccountID   string   `json:"account_id"`
	Folders     []string `json:"folders,omitempty"`
	MaxMessages int      `json:"max_messages,omitempty"`
	Secret      string   `json:"secret"`
}

func (r LoginRequest) validate() error {
	if strings.TrimSpace(r.Username) == "" || r.Secret == "" {
		return fmt.Errorf("%w: username and secret are required", ErrInvalidRequest)
	}
	return nil
}

func (r EnqueueRequest) validate() error {
	switch {
	case r.AccountID == "":
		return fmt.Errorf("%w: account_id is required", ErrInvalidRequest)
	case r.Secret == "":
		return fmt.Errorf("%w: secret is required", ErrInvalidRequest)
	case r.MaxMessages < 0:
		return fmt.Errorf("%w: max_messages must not be negative", ErrInvalidRequest)
	}
	return nil
}

// JobStatus is the Struct payload returned by Status.
type JobStatus struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	State         string          `json:"state"`
	Phase         string          `json:"phase"`
	Message       string          `json:"message"`
	Progress      json.RawMessage `json:"progress,omitempty"`
	Stats         json.RawMessage `json:"stats,omitempty"`
	Attempts      int             `json:"attempts"`
	Reason        string          `json:"reason,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the job is over.
func (s JobStatus) Terminal() bool {
	switch s.State {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// ToStruct converts any JSON-serialisable value to a Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// FromStruct fills v, a pointer, from s using v's JSON field names.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("%w: empty message", ErrInvalidRequest)
	}
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func ParseLoginRequest(s *structpb.Struct) (LoginRequest, error) {
	var r LoginRequest
	if err := FromStruct(s, &r); err != nil {
		return LoginRequest{}, err
	}
	return r, r.validate()
}

func ParseEnqueueRequest(s *structpb.Struct) (EnqueueRequest, error) {
	var r EnqueueRequest
	if err := FromStruct(s, &r); err != nil {
		return EnqueueRequest{}, err
	}
	return r, r.validate()
}
