package lg

import (
	"context"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindFlags(t *testing.T) {
	cfg := NewConfig("remotectl")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)

	require.NoError(t, fs.Parse([]string{"--debug", "--log-format", "json"}))
	assert.True(t, cfg.Debug)
	assert.Equal(t, "json", cfg.Format)
}

func TestContextCarriesLogger(t *testing.T) {
	ctx := Attach(context.Background(), Discard)
	assert.Equal(t, Discard, FromContext(ctx))
	assert.IsType(t, defaultLogger{}, FromContext(context.Background()))
}

func TestNewHonoursLevel(t *testing.T) {
	for _, cfg := range []*Config{
		{ServiceName: "remotectl", Format: "json", Level: "warn"},
		{ServiceName: "remotectl", Format: "console", Debug: true},
		{ServiceName: "remotectl", Format: "yaml", Level: "bogus"},
	} {
		l := New(cfg)
		require.IsType(t, &zapLogger{}, l)
		l.With(String("target", "10.0.0.5:22")).Debug("not shown unless debug")
	}
}

func TestFlatten(t *testing.T) {
	assert.Equal(t, "", flatten())
	out := flatten(String("target", "i-0abc"), Int("code", 7))
	assert.Contains(t, out, "i-0abc")
	assert.Contains(t, out, "7")
}
