package bus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automatedhome/sunheat/pkg/types"
)

const prefix = "solar_heating_v3/"

func TestParseMode(t *testing.T) {
	a := NewOffline(prefix)

	cmd, err := a.parse(prefix+"control/mode", "manual")
	require.NoError(t, err)
	assert.Equal(t, types.CmdSetMode, cmd.Kind)
	assert.Equal(t, types.ModeManual, cmd.Mode)

	_, err = a.parse(prefix+"control/mode", "turbo")
	assert.Error(t, err)
}

func TestParseRelay(t *testing.T) {
	a := NewOffline(prefix)

	cases := []struct {
		payload string
		want    bool
	}{
		{"on", true}, {"ON", true}, {"1", true},
		{"off", false}, {"0", false},
	}
	for _, tc := range cases {
		t.Run(tc.payload, func(t *testing.T) {
			cmd, err := a.parse(prefix+"control/pump", tc.payload)
			require.NoError(t, err)
			assert.Equal(t, types.CmdSetManualRelay, cmd.Kind)
			assert.Equal(t, types.RelayPump, cmd.Relay)
			assert.Equal(t, tc.want, cmd.On)
		})
	}

	cmd, err := a.parse(prefix+"control/heater", "on")
	require.NoError(t, err)
	assert.Equal(t, types.RelayHeater, cmd.Relay)

	_, err = a.parse(prefix+"control/pump", "maybe")
	assert.Error(t, err)
}

func TestParseParam(t *testing.T) {
	a := NewOffline(prefix)

	t.Run("numeric in range", func(t *testing.T) {
		cmd, err := a.parse(prefix+"control/param/dT_start", "9.5")
		require.NoError(t, err)
		assert.Equal(t, types.CmdSetParam, cmd.Kind)
		assert.Equal(t, "dT_start", cmd.Param)
		assert.Equal(t, 9.5, cmd.Value)
	})

	t.Run("numeric out of range", func(t *testing.T) {
		_, err := a.parse(prefix+"control/param/tank_target_c", "400")
		assert.Error(t, err)
	})

	t.Run("not numeric", func(t *testing.T) {
		_, err := a.parse(prefix+"control/param/dT_stop", "soon")
		assert.Error(t, err)
	})

	t.Run("enum parameter", func(t *testing.T) {
		cmd, err := a.parse(prefix+"control/param/rate_window", "slow")
		require.NoError(t, err)
		assert.Equal(t, "rate_window", cmd.Param)
		assert.Equal(t, "slow", cmd.Raw)

		_, err = a.parse(prefix+"control/param/rate_window", "glacial")
		assert.Error(t, err)
	})

	t.Run("parameter not on the allowlist", func(t *testing.T) {
		_, err := a.parse(prefix+"control/param/boiling_c", "80")
		assert.Error(t, err)
	})
}

func TestParseClearEmergencyAndPing(t *testing.T) {
	a := NewOffline(prefix)

	cmd, err := a.parse(prefix+"control/clear_emergency", "whatever")
	require.NoError(t, err)
	assert.Equal(t, types.CmdClearEmergency, cmd.Kind)
	assert.True(t, cmd.Safety())

	cmd, err = a.parse(prefix+"control/ping", "")
	require.NoError(t, err)
	assert.Equal(t, types.CmdPing, cmd.Kind)
	assert.False(t, cmd.Safety())
}

func TestParseUnknownTopic(t *testing.T) {
	a := NewOffline(prefix)
	_, err := a.parse(prefix+"control/warp_drive", "engage")
	assert.Error(t, err)
}

func TestDrainReturnsInOrderAndEmpties(t *testing.T) {
	a := NewOffline(prefix)
	a.enqueue(types.Command{Kind: types.CmdPing})
	a.enqueue(types.Command{Kind: types.CmdSetMode, Mode: types.ModeEco})

	cmds := a.Drain()
	require.Len(t, cmds, 2)
	assert.Equal(t, types.CmdPing, cmds[0].Kind)
	assert.Equal(t, types.CmdSetMode, cmds[1].Kind)

	assert.Empty(t, a.Drain())
}

func TestQueueOverflowDropsOldestNonSafety(t *testing.T) {
	a := NewOffline(prefix)

	a.enqueue(types.Command{Kind: types.CmdClearEmergency})
	for i := 1; i < commandQueueSize; i++ {
		a.enqueue(types.Command{Kind: types.CmdSetParam, Param: "dT_start", Value: float64(i)})
	}

	// the queue is full; one more pushes out the oldest non-safety entry
	a.enqueue(types.Command{Kind: types.CmdPing})

	cmds := a.Drain()
	require.Len(t, cmds, commandQueueSize)
	assert.Equal(t, types.CmdClearEmergency, cmds[0].Kind, "safety command must survive overflow")
	assert.Equal(t, 2.0, cmds[1].Value, "oldest set_param was dropped")
	assert.Equal(t, types.CmdPing, cmds[len(cmds)-1].Kind)
}

func TestParsingSameMessageTwiceYieldsEqualCommands(t *testing.T) {
	a := NewOffline(prefix)

	cmd1, err := a.parse(prefix+"control/mode", "eco")
	require.NoError(t, err)
	cmd2, err := a.parse(prefix+"control/mode", "eco")
	require.NoError(t, err)
	assert.Equal(t, cmd1, cmd2)
}

func TestAlertThrottling(t *testing.T) {
	a := NewOffline(prefix)
	p := NewPublisher(a)

	for i := 0; i < 5; i++ {
		p.Alert("OVERHEAT", "critical", fmt.Sprintf("attempt %d", i))
	}

	// only the first alert of a kind within the window reaches the queue
	assert.Len(t, a.outbound, 1)

	p.Alert("ACTUATOR", "error", "different kind passes")
	assert.Len(t, a.outbound, 2)
}

func TestFreeformTopicNeverNacks(t *testing.T) {
	a := NewOffline(prefix)
	a.freeform[prefix+"neighbor/state"] = true

	a.onMessage(nil, fakeMessage{topic: prefix + "neighbor/state", payload: "not json at all"})

	assert.Empty(t, a.Drain())
	assert.Empty(t, a.outbound, "no nack for known free-form topics")

	raw, ok := a.Raw(prefix + "neighbor/state")
	assert.True(t, ok)
	assert.Equal(t, "not json at all", raw)
}

// fakeMessage implements the parts of mqtt.Message the adapter reads.
type fakeMessage struct {
	topic   string
	payload string
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return []byte(m.payload) }
func (m fakeMessage) Ack()              {}
