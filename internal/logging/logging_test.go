package logging

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/assetimport/internal/auth"
)

func TestSetup(t *testing.T) {
	t.Cleanup(func() {
		logrus.SetLevel(logrus.InfoLevel)
		logrus.SetFormatter(&logrus.TextFormatter{})
	})

	require.NoError(t, Setup("debug", "json"))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	assert.Error(t, Setup("loud", "text"))
	assert.Error(t, Setup("info", "xml"))
}

func TestFromContext(t *testing.T) {
	assert.Empty(t, FromContext(context.Background()).Data)

	tenantID := uuid.New()
	ctx := auth.ContextWithTenantID(ContextWithRequestID(context.Background(), "req-1"), tenantID)
	entry := FromContext(ctx)
	assert.Equal(t, "req-1", entry.Data["request_id"])
	assert.Equal(t, tenantID, entry.Data["tenant_id"])
}
