package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/value"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	m := msg.Create(msg.KindCmd, "hello_world")
	m.CmdID = "cmd-1"
	m.SeqID = "seq-1"
	m.Source = msg.Locator{AppURI: "msgpack://127.0.0.1:8000/", GraphID: "g1", Extension: "A"}
	m.Dests = []msg.Locator{{Extension: "B"}}
	require.NoError(t, m.SetProperty("test_prop", value.String("test_prop_value")))

	var c JSON
	frame, err := c.Encode(m)
	require.NoError(t, err)

	decoded, err := c.Decode(frame)
	require.NoError(t, err)

	assert.Equal(t, m.Kind, decoded.Kind)
	assert.Equal(t, m.Name, decoded.Name)
	assert.Equal(t, m.CmdID, decoded.CmdID)
	assert.Equal(t, m.SeqID, decoded.SeqID)
	assert.Equal(t, m.Source, decoded.Source)
	assert.Equal(t, m.Dests, decoded.Dests)

	v, err := decoded.GetProperty("test_prop")
	require.NoError(t, err)
	s, err := v.AsString()
	require.NoError(t, err)
	assert.Equal(t, "test_prop_value", s)
}

func TestJSONCodecRoundTripsCmdResult(t *testing.T) {
	cmd := msg.Create(msg.KindCmd, "hello_world")
	cmd.CmdID = "cmd-2"
	res := msg.CreateResult(msg.StatusOK, cmd)
	res.Detail = value.String("hello, too")

	var c JSON
	frame, err := c.Encode(res)
	require.NoError(t, err)
	decoded, err := c.Decode(frame)
	require.NoError(t, err)

	assert.Equal(t, msg.StatusOK, decoded.StatusCode)
	assert.True(t, decoded.IsFinal)
	s, err := decoded.Detail.AsString()
	require.NoError(t, err)
	assert.Equal(t, "hello, too", s)
}
