package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	m, err := Decode([]byte(`{"type":"keys","session":"m1/dev","payload":"ls\n","extra":{"x":1}}`))
	require.NoError(t, err)
	assert.Equal(t, KindKeys, m.Type)
	assert.Equal(t, "m1/dev", m.Session)
	assert.Equal(t, "ls\n", m.Payload)
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"session":"m1/dev"}`))
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
}

func TestDecodeUnknownKindIsNotAnError(t *testing.T) {
	m, err := Decode([]byte(`{"type":"bogus"}`))
	require.NoError(t, err)
	assert.False(t, m.Type.Known())
}

func TestRegisterInfoDefaults(t *testing.T) {
	m := Message{Type: KindRegister, Role: RoleHost, Session: "m1/dev"}
	info := m.RegisterInfo()
	assert.Equal(t, "m1/dev", info.Label)
	assert.Equal(t, "unknown", info.MachineID)
	assert.Empty(t, info.Token)
}

func TestSize(t *testing.T) {
	cols, rows, err := NewResize("s", 120, 40).Size()
	require.NoError(t, err)
	assert.Equal(t, 120, cols)
	assert.Equal(t, 40, rows)

	_, _, err = Message{Type: KindResize, Meta: map[string]string{MetaCols: "80"}}.Size()
	assert.ErrorIs(t, err, ErrMissingMeta)

	_, _, err = Message{Type: KindResize, Meta: map[string]string{MetaCols: "x", MetaRows: "1"}}.Size()
	assert.Error(t, err)

	_, _, err = Message{Type: KindResize, Meta: map[string]string{MetaCols: "0", MetaRows: "1"}}.Size()
	assert.Error(t, err)
}

func TestSessionListEncodesEmptyArray(t *testing.T) {
	data, err := Encode(NewSessionList(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sessionList","sessions":[]}`, string(data))

	m, err := Decode(data)
	require.NoError(t, err)
	list, err := m.SessionList()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNewErrorEnvelope(t *testing.T) {
	m := NewError(ErrorInfo{
		Code:       CodeLimitExceeded,
		MessageEn:  "Session limit (1) reached.",
		UpgradeURL: "https://example.com/pricing",
		Extra:      map[string]string{"resource": "sessions", "max": "1"},
	})
	data, err := Encode(m)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	meta := raw["meta"].(map[string]any)
	assert.Equal(t, "error", raw["type"])
	assert.Equal(t, CodeLimitExceeded, meta["code"])
	assert.Equal(t, "sessions", meta["resource"])
	assert.Equal(t, "https://example.com/pricing", meta["upgradeUrl"])
	assert.NotContains(t, meta, "messageKo")
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, KindScreenGz.IsScreen())
	assert.False(t, KindKeys.IsScreen())
	assert.True(t, KindAPIList.IsAPIRequest())
	assert.False(t, KindListSessions.IsAPIRequest())
}
