package logging

import (
	"context"
)

type contextKey string

const (
	TraceIDKey              contextKey = "trace_id"
	IntegrationAccountIDKey contextKey = "integration_account_id"
	WorkspaceIDKey          contextKey = "workspace_id"
	ServiceNameKey          contextKey = "service_name"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithIntegrationAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, IntegrationAccountIDKey, accountID)
}

func WithWorkspaceID(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, WorkspaceIDKey, workspaceID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func GetIntegrationAccountID(ctx context.Context) string {
	return stringValue(ctx, IntegrationAccountIDKey)
}

func GetWorkspaceID(ctx context.Context) string {
	return stringValue(ctx, WorkspaceIDKey)
}

func GetServiceName(ctx context.Context) string {
	return stringValue(ctx, ServiceNameKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 8)

	if traceID := GetTraceID(ctx); traceID != "" {
		fields = append(fields, string(TraceIDKey), traceID)
	}

	if accountID := GetIntegrationAccountID(ctx); accountID != "" {
		fields = append(fields, string(IntegrationAccountIDKey), accountID)
	}

	if workspaceID := GetWorkspaceID(ctx); workspaceID != "" {
		fields = append(fields, string(WorkspaceIDKey), workspaceID)
	}

	if serviceName := GetServiceName(ctx); serviceName != "" {
		fields = append(fields, string(ServiceNameKey), serviceName)
	}

	return fields
}
