package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(MsgRequestToWork, RequestToWork{
		Recipient:  "a1b2",
		Nonce:      7,
		AccessCode: "code-1",
	})
	require.NoError(t, err)
	require.Equal(t, MsgRequestToWork, env.Type)

	var decoded RequestToWork
	require.NoError(t, env.Decode(&decoded))
	require.Equal(t, uint64(7), decoded.Nonce)
	require.Equal(t, "code-1", decoded.AccessCode)
}

func TestEnvelope_DecodeEmptyPayload(t *testing.T) {
	env, err := NewEnvelope(MsgPayoutRequest, nil)
	require.NoError(t, err)

	var req PayoutRequest
	require.Error(t, env.Decode(&req), "decoding an absent payload should fail")
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	out, err := NewEnvelope(MsgTaskAccepted, TaskAccepted{TaskID: "t1"})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, out))

	in, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, MsgTaskAccepted, in.Type)

	var accepted TaskAccepted
	require.NoError(t, in.Decode(&accepted))
	require.Equal(t, "t1", accepted.TaskID)
}

func TestFrame_MultipleOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		env, err := NewEnvelope(MsgTaskAccepted, TaskAccepted{TaskID: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
		require.NoError(t, WriteFrame(&buf, env))
	}

	r := bufio.NewReader(&buf)
	for i := 0; i < 3; i++ {
		env, err := ReadFrame(r)
		require.NoError(t, err)
		var accepted TaskAccepted
		require.NoError(t, env.Decode(&accepted))
		require.Equal(t, fmt.Sprintf("t%d", i), accepted.TaskID)
	}
}

func TestFrame_MissingType(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString(`{"payload":{}}` + "\n"))
	_, err := ReadFrame(r)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing type")
}

func TestFrame_TrailingFrameWithoutNewline(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString(`{"type":"ok"}`))
	env, err := ReadFrame(r)
	require.NoError(t, err, "a final frame without newline should still parse")
	require.Equal(t, MsgOk, env.Type)
}

func TestKindOf(t *testing.T) {
	sentinel := NewError(KindForbidden, "recipient does not match sender")

	wrapped := fmt.Errorf("failed to process proof request: %w", sentinel)
	require.Equal(t, KindForbidden, KindOf(wrapped))
	require.True(t, errors.Is(wrapped, sentinel))

	require.Equal(t, KindStoreError, KindOf(errors.New("disk on fire")),
		"unclassified errors surface as StoreError")
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope(NewError(KindReplay, "nonce 3 already used"))
	require.Equal(t, MsgError, env.Type)

	var msg ErrorMessage
	require.NoError(t, env.Decode(&msg))
	require.Equal(t, KindReplay, msg.Kind)
	require.Contains(t, msg.Message, "nonce 3")
}
