package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ksred/klear-escrow/internal/config"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestSetupWritesToRotatingFile(t *testing.T) {
	previous := zlog.Logger
	previousLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		zlog.Logger = previous
		zerolog.SetGlobalLevel(previousLevel)
	})

	path := filepath.Join(t.TempDir(), "escrow.log")
	closer := Setup(config.App{Env: "production"}, config.Log{Level: "info", File: path, MaxSizeMB: 1})
	zlog.Info().Str("trade_id", "trade-1").Msg("escrow initiated")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"trade_id":"trade-1"`)
	assert.Contains(t, string(data), "escrow initiated")
}
