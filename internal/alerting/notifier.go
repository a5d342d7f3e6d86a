package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// IssueAlert carries one critical detected issue to the alert channel.
type IssueAlert struct {
	EncodedAssetID string
	IssueType      string
	Severity       string
	BlockNumber    uint64
	DetectedAt     time.Time
	Details        json.RawMessage
}

// Notifier delivers issue alerts.
type Notifier interface {
	Notify(ctx context.Context, alert IssueAlert) error
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify sends the alert text via the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, alert IssueAlert) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(alert),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("telegram rejected message: %s", parsed.Description)
	}

	n.logger.Debug().Str("issue_type", alert.IssueType).Msg("alert dispatched")
	return nil
}

func renderMessage(alert IssueAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(alert.Severity), alert.IssueType)
	fmt.Fprintf(&b, "asset: %s\n", alert.EncodedAssetID)
	fmt.Fprintf(&b, "block: %d\n", alert.BlockNumber)
	if !alert.DetectedAt.IsZero() {
		fmt.Fprintf(&b, "detected: %s\n", alert.DetectedAt.UTC().Format(time.RFC3339))
	}
	if len(alert.Details) > 0 {
		fmt.Fprintf(&b, "details: %s", string(alert.Details))
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
