package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSet_RoutesGlobalLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))

	L().Info("market.purchase.committed", zap.String("listing", "k1"))
	S().Warnw("publisher.publish_failed", "subject", "evt.market.listing.purchased.v1")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "market.purchase.committed", entries[0].Message)
	assert.Equal(t, "k1", entries[0].ContextMap()["listing"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestInit_ProdLevelOverride(t *testing.T) {
	Init("escrow-market", "prod", "warn")
	assert.False(t, L().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, L().Core().Enabled(zapcore.WarnLevel))
	Sync()
}
