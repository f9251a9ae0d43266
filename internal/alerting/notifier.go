package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 是推送给下游同步服务的最小载荷。
type Notification struct {
	MarketID   string          `json:"market_id"`
	Price      decimal.Decimal `json:"price"`
	BlockRef   uint64          `json:"block_ref"`
	TxID       string          `json:"tx,omitempty"`
	Source     string          `json:"source,omitempty"`
	Outcome    string          `json:"outcome,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	ComputedAt time.Time       `json:"computed_at"`
}

// Notifier 定义通知输送接口。Sinks are fire-and-forget: callers log errors and move on.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
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
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
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

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("market_id", note.MarketID).
		Uint64("block_ref", note.BlockRef).
		Msg("通知已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[GPU Index Oracle]\n")
	builder.WriteString(fmt.Sprintf("Market: %s\n", note.MarketID))
	builder.WriteString(fmt.Sprintf("Price: $%s/hr\n", note.Price.StringFixed(4)))
	if note.BlockRef != 0 {
		builder.WriteString(fmt.Sprintf("Block: %d\n", note.BlockRef))
	}
	if note.TxID != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TxID))
	}
	if note.Source != "" {
		builder.WriteString(fmt.Sprintf("Source: %s\n", note.Source))
	}
	if note.Outcome != "" {
		builder.WriteString(fmt.Sprintf("Outcome: %s\n", note.Outcome))
	}
	if !note.ComputedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Computed: %s UTC\n", note.ComputedAt.UTC().Format(time.RFC3339)))
	}
	return builder.String()
}

// Multi 将通知广播到多个通道，单个通道失败不影响其他通道。
type Multi struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewMulti builds a fan-out notifier; nil entries are skipped. Returns nil when nothing is configured.
func NewMulti(logger zerolog.Logger, notifiers ...Notifier) *Multi {
	m := &Multi{logger: logger.With().Str("component", "notify").Logger()}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	if len(m.notifiers) == 0 {
		return nil
	}
	return m
}

// Notify 依次调用全部通道并合并错误。
func (m *Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			m.logger.Error().Err(err).Str("market_id", note.MarketID).Msg("通知通道发送失败")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Multi)(nil)
)
