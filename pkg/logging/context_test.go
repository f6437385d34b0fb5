package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithIntegrationAccountID(ctx, "acc-1")
	ctx = WithWorkspaceID(ctx, "ws-1")

	assert.Equal(t, []interface{}{
		"trace_id", "trace-1",
		"integration_account_id", "acc-1",
		"workspace_id", "ws-1",
	}, GetLogFields(ctx))
}
