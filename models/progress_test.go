package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressEventPayloadFieldsPerKind(t *testing.T) {
	raw, err := json.Marshal(Progress("A1", 0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"progress","attachment_id":"A1","percent":0}`, string(raw))

	raw, err = json.Marshal(Completed("A1", "/downloads/f.png"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"completed","attachment_id":"A1","path":"/downloads/f.png"}`, string(raw))

	raw, err = json.Marshal(Failed("A1", "RemoteError:404", errors.New("not found")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"failed","attachment_id":"A1","reason":"RemoteError:404"}`, string(raw))
}

func TestTerminal(t *testing.T) {
	assert.False(t, Progress("A1", 50).Terminal())
	assert.True(t, Completed("A1", "/x").Terminal())
	assert.True(t, Failed("A1", "cancelled", nil).Terminal())
}

func TestStateOf(t *testing.T) {
	cases := []struct {
		name   string
		status MessageStatus
		want   MessageState
	}{
		{"fresh outgoing", MessageStatus{}, StateComposed},
		{"sent", MessageStatus{Sent: true}, StateSent},
		{"delivered and read", MessageStatus{Sent: true, Delivered: true, Read: true}, StateDelivered},
		{"errored after sent", MessageStatus{Sent: true, Error: true}, StateErrored},
		{"incoming", MessageStatus{Incoming: true, Read: true}, StateIncoming},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StateOf(tc.status))
		})
	}
}
