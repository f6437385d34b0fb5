package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"waconnector/internal/config"
	"waconnector/internal/logger"
	"waconnector/pkg/metrics"
)

const (
	notifyPath   = "/integrations/whatsapp-baileys/notify"
	headerAPIKey = "X-Agents-Key"

	maxErrorDetail = 300
)

// Notification tells the agents service that a contact wrote into a conversation.
type Notification struct {
	WorkspaceID          string  `json:"workspace_id"`
	IntegrationAccountID string  `json:"integration_account_id"`
	ConversationID       string  `json:"conversation_id"`
	MessageRowID         *string `json:"message_row_id"`
	MessageExternalID    *string `json:"message_external_id"`
	Text                 *string `json:"text"`
	IsGroup              bool    `json:"is_group"`
}

// Notifier posts notifications to the agents service in the background. Failures are logged and
// never reach the caller.
type Notifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
	log      logger.Logger

	wg sync.WaitGroup
}

// NewNotifier returns nil when cfg has no API URL.
func NewNotifier(cfg config.AgentsConfig, log logger.Logger) *Notifier {
	if cfg.APIURL == "" {
		return nil
	}
	if log == nil {
		log = logger.NopLogger()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		endpoint: strings.TrimSuffix(cfg.APIURL, "/") + notifyPath,
		apiKey:   cfg.APIKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: log.With("component", "agents"),
	}
}

// Notify sends n without blocking. The request outlives ctx cancellation but keeps its values.
func (n *Notifier) Notify(ctx context.Context, note Notification) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.send(ctx, note); err != nil {
			metrics.IncAgentsNotify("error")
			n.log.WarnwCtx(ctx, "Agents notify request failed",
				"conversation_id", note.ConversationID,
				"error", err,
			)
			return
		}
		metrics.IncAgentsNotify("success")
		n.log.DebugwCtx(ctx, "Agents notified",
			"conversation_id", note.ConversationID,
			"is_group", note.IsGroup,
		)
	}()
}

func (n *Notifier) send(ctx context.Context, note Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set(headerAPIKey, n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorDetail))
		return fmt.Errorf("agents service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Wait blocks until every notification sent so far has completed.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Close waits for in-flight notifications, bounded by ctx.
func (n *Notifier) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
