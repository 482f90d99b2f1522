package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, DefaultConfigFile))
	assert.True(t, cfg.IsFirstRun())
	assert.Equal(t, 2, cfg.Framing.HeaderWidth)
	assert.Equal(t, PolicyExponential, cfg.Reconnect.Policy)
}

func TestLoad_OverlaysDefaultsAndFillsSessions(t *testing.T) {
	dir := t.TempDir()
	raw := `{
		"sessions": [
			{"name": "bot1", "host": "10.0.0.5", "port": 11031},
			{"name": "bot2", "host": "gw.example", "port": 443, "transport": "websocket"}
		],
		"framing": {"header_width": 4}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(raw), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	sessions := cfg.GetSessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, TransportTCP, sessions[0].Transport)
	assert.Equal(t, 30, sessions[0].ConnectTimeoutSec)
	assert.Equal(t, "/", sessions[1].WSPath)

	assert.Equal(t, 4, cfg.Framing.HeaderWidth)
	assert.Equal(t, "little", cfg.Framing.ByteOrder, "unset fields keep defaults")
	assert.True(t, cfg.Metrics.Enabled)

	// re-saved with the filled-in defaults
	saved, err := os.ReadFile(filepath.Join(dir, DefaultConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(saved), `"connect_timeout_sec": 30`)
}

func TestLoad_BadJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644))

	_, err := Load(dir)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestAddSession_ReplacesByName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddSession(DefaultSession("a"))
	s := DefaultSession("a")
	s.Port = 9000
	cfg.AddSession(s)

	sessions := cfg.GetSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 9000, sessions[0].Port)
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.AddSession(DefaultSession("bot1"))
	return cfg
}

func fields(errs []ValidationError) []string {
	var out []string
	for _, e := range errs {
		out = append(out, e.Field)
	}
	return out
}

func TestValidate_Defaults(t *testing.T) {
	result := Validate(validConfig())
	assert.True(t, result.IsValid(), "%v", result.Errors)
}

func TestValidate_Sessions(t *testing.T) {
	cfg := validConfig()
	cfg.Sessions = append(cfg.Sessions,
		SessionConfig{Name: "bot1", Host: "h", Port: 1, Transport: "tcp", ConnectTimeoutSec: 1},
		SessionConfig{Name: "bad name", Host: "", Port: 70000, Transport: "udp"},
		SessionConfig{Name: "ws", Host: "h", Port: 8080, Transport: "websocket", WSPath: "bot", ConnectTimeoutSec: 5},
	)

	result := Validate(cfg)
	assert.False(t, result.IsValid())
	assert.ElementsMatch(t, []string{
		"sessions[1].name",
		"sessions[2].name",
		"sessions[2].host",
		"sessions[2].port",
		"sessions[2].transport",
		"sessions[2].connect_timeout_sec",
		"sessions[3].ws_path",
	}, fields(result.Errors))
}

func TestValidate_Framing(t *testing.T) {
	cfg := validConfig()
	cfg.Framing = FramingConfig{HeaderWidth: 3, ByteOrder: "middle", OpcodeWidth: 3, MaxFrameSize: -1, LengthAdjustment: -1}

	result := Validate(cfg)
	assert.ElementsMatch(t, []string{
		"framing.header_width",
		"framing.byte_order",
		"framing.opcode_width",
		"framing.max_frame_size",
		"framing.length_adjustment",
	}, fields(result.Errors))
}

func TestValidate_Reconnect(t *testing.T) {
	cfg := validConfig()
	cfg.Reconnect = ReconnectConfig{Policy: "sometimes"}
	assert.Equal(t, []string{"reconnect.policy"}, fields(Validate(cfg).Errors))

	cfg.Reconnect = ReconnectConfig{Policy: PolicyExponential, Multiplier: 0.5, BaseDelayMs: 1000, MaxDelayMs: 10, Jitter: 2}
	assert.ElementsMatch(t, []string{
		"reconnect.multiplier",
		"reconnect.max_delay_ms",
		"reconnect.jitter",
	}, fields(Validate(cfg).Errors))

	cfg.Reconnect = ReconnectConfig{Policy: PolicyNone}
	assert.True(t, Validate(cfg).IsValid())
}

func TestValidate_Services(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.BrokerURL = ""
	cfg.MQTT.Port = 0
	cfg.Journal.Path = ""
	cfg.Keepalive = KeepaliveConfig{Enabled: true}

	assert.ElementsMatch(t, []string{
		"mqtt.broker_url",
		"mqtt.port",
		"journal.path",
		"keepalive.interval_sec",
	}, fields(Validate(cfg).Errors))
}

func TestValidate_KeepaliveOpcodeWidth(t *testing.T) {
	tests := []struct {
		width  int
		opcode uint32
		ok     bool
	}{
		{1, 0xFF, true},
		{1, 0x100, false},
		{2, 0xFFFF, true},
		{2, 0x10001, false},
		{4, 0xFFFFFFFF, true},
	}
	for _, tt := range tests {
		cfg := validConfig()
		cfg.Framing.OpcodeWidth = tt.width
		cfg.Keepalive = KeepaliveConfig{Enabled: true, IntervalSec: 30, Opcode: tt.opcode}

		errs := fields(Validate(cfg).Errors)
		if tt.ok {
			assert.NotContains(t, errs, "keepalive.opcode", "width %d opcode 0x%X", tt.width, tt.opcode)
		} else {
			assert.Contains(t, errs, "keepalive.opcode", "width %d opcode 0x%X", tt.width, tt.opcode)
		}
	}

	cfg := validConfig()
	cfg.Keepalive = KeepaliveConfig{Enabled: false, Opcode: 0x10001}
	assert.NotContains(t, fields(Validate(cfg).Errors), "keepalive.opcode")
}

func TestRunSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	input := strings.Join([]string{
		"alpha",     // name
		"10.1.1.1",  // host
		"11032",     // port
		"websocket", // transport
		"/ws",       // path
		"no",        // auto connect
		"4",         // header width
		"big",       // byte order
		"",          // opcode width
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, RunSetupWizard(cfg, strings.NewReader(input), &out))

	sessions := cfg.GetSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, SessionConfig{
		Name:              "alpha",
		Host:              "10.1.1.1",
		Port:              11032,
		Transport:         TransportWebSocket,
		WSPath:            "/ws",
		ConnectTimeoutSec: 30,
		AutoConnect:       false,
	}, sessions[0])
	assert.Equal(t, 4, cfg.Framing.HeaderWidth)
	assert.Equal(t, "big", cfg.Framing.ByteOrder)
	assert.FileExists(t, cfg.Path())
	assert.Contains(t, out.String(), "Configuration saved")
}

func TestRunSetupWizard_GivesUpOnInvalidInput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	input := strings.Join([]string{"bot", "", "0", "", "", "", "", "", "no"}, "\n") + "\n"

	var out bytes.Buffer
	err := RunSetupWizard(cfg, strings.NewReader(input), &out)
	assert.Error(t, err)
	assert.True(t, cfg.IsFirstRun())
	assert.Contains(t, out.String(), "sessions[0].port")
}
