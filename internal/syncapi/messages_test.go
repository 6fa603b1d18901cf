package syncapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestParseEnqueueRequest(t *testing.T) {
	s, err := ToStruct(EnqueueRequest{AccountID: "a1", Folders: []string{"INBOX", "Sent"}, MaxMessages: 20, Secret: "pw"})
	require.NoError(t, err)
	assert.Equal(t, float64(20), s.Fields["max_messages"].GetNumberValue())

	r, err := ParseEnqueueRequest(s)
	require.NoError(t, err)
	assert.Equal(t, EnqueueRequest{AccountID: "a1", Folders: []string{"INBOX", "Sent"}, MaxMessages: 20, Secret: "pw"}, r)
}

func TestParseEnqueueRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
	}{
		{"no account", map[string]any{"secret": "pw"}},
		{"no secret", map[string]any{"account_id": "a1"}},
		{"negative max", map[string]any{"account_id": "a1", "secret": "pw", "max_messages": -1}},
		{"wrong type", map[string]any{"account_id": "a1", "secret": "pw", "folders": "INBOX"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := structpb.NewStruct(tt.in)
			require.NoError(t, err)
			_, err = ParseEnqueueRequest(s)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, err := ParseEnqueueRequest(nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestParseLoginRequest(t *testing.T) {
	s, err := ToStruct(LoginRequest{Username: "alice", Secret: "pw"})
	require.NoError(t, err)
	r, err := ParseLoginRequest(s)
	require.NoError(t, err)
	assert.Equal(t, "alice", r.Username)

	s, _ = ToStruct(LoginRequest{Username: " "})
	_, err = ParseLoginRequest(s)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, JobStatus{State: "running"}.Terminal())
	assert.False(t, JobStatus{State: "retrying"}.Terminal())
	assert.True(t, JobStatus{State: "failed"}.Terminal())
	assert.True(t, JobStatus{State: "cancelled"}.Terminal())
}
