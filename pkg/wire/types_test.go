package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	f, err := Decode([]byte(`{"type":"job:update","channel":"job:42","data":{"job_id":"42","progress":0.5}}`))
	require.NoError(t, err)
	assert.Equal(t, EventJobUpdate, f.Type)
	assert.Equal(t, "job:42", f.Channel)

	var p JobProgress
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, "42", p.JobID)
	assert.Equal(t, 0.5, p.Progress)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"channel":"job:42"}`))
	assert.Error(t, err, "frame without type is malformed")

	_, err = Decode([]byte(`[]`))
	assert.Error(t, err)
}

func TestControlFrames(t *testing.T) {
	assert.Equal(t, &Frame{Type: TypeSubscribe, Channel: "job:42"}, Subscribe("job:42"))
	assert.Equal(t, &Frame{Type: TypeUnsubscribe, Channel: "job:42"}, Unsubscribe("job:42"))
	assert.Equal(t, &Frame{Type: TypePing}, Ping())
}

func TestChatMessageFrame(t *testing.T) {
	f := ChatMessage("sess-1", "req-1", "how do I deploy?")
	assert.Equal(t, TypeChatMessage, f.Type)

	var data map[string]string
	require.NoError(t, json.Unmarshal(f.Data, &data))
	assert.Equal(t, "sess-1", data["session_id"])
	assert.Equal(t, "req-1", data["request_id"])
	assert.Equal(t, "how do I deploy?", data["content"])
}

func TestChatJoinFrame(t *testing.T) {
	f := ChatJoin("sess-1")
	assert.Equal(t, TypeChatJoin, f.Type)
	assert.JSONEq(t, `{"session_id":"sess-1"}`, string(f.Data))
}

func TestFrameRoundTrip(t *testing.T) {
	raw, err := json.Marshal(Subscribe("activity"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe","channel":"activity"}`, string(raw))

	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeSubscribe, f.Type)
	assert.Equal(t, "activity", f.Channel)
}
