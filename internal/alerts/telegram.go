// Package alerts pushes cycle lifecycle notifications to a Telegram chat.
// Every notification is best-effort: delivery problems are logged and
// swallowed so alerting can never stall the trading loop.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"perp-basket-bot/internal/config"

	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
	}
}

// CycleEntered announces a freshly opened delta-neutral portfolio.
func (t *Telegram) CycleEntered(ctx context.Context, cycle int64, orders, positions int) {
	t.send(ctx, fmt.Sprintf("cycle %d entered: %d orders, %d positions", cycle, orders, positions))
}

// CycleCompleted announces a clean exit with the realized pnl.
func (t *Telegram) CycleCompleted(ctx context.Context, cycle int64, pnl float64) {
	t.send(ctx, fmt.Sprintf("cycle %d complete: pnl %.4f", cycle, pnl))
}

// CycleFailed announces an unexpected cycle error before the cooldown.
func (t *Telegram) CycleFailed(ctx context.Context, cycle int64, cause error) {
	t.send(ctx, fmt.Sprintf("cycle %d failed: %v", cycle, cause))
}

// ForcedExit announces a liquidation-risk exit with the pnl at the time.
func (t *Telegram) ForcedExit(ctx context.Context, cycle int64, pnl float64) {
	t.send(ctx, fmt.Sprintf("cycle %d: liquidation risk, forcing exit (pnl %.4f)", cycle, pnl))
}

func (t *Telegram) send(ctx context.Context, text string) {
	if t == nil || !t.enabled {
		return
	}
	if t.token == "" || t.chatID == "" {
		t.log.Warn("telegram notification dropped, token or chat_id missing")
		return
	}
	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", text)
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		t.log.Warn("telegram request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := t.client.Do(req)
	if err != nil {
		t.log.Warn("telegram send failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.log.Warn("telegram send rejected", zap.Int("status", resp.StatusCode))
		return
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		t.log.Warn("telegram api error", zap.String("description", result.Description))
	}
}
