// Package notify sends Discord/Telegram webhook notifications for pool
// errors and harvester connect/disconnect events.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seanb95531/chia-farmer/internal/util"
)

// WebhookConfig holds webhook configuration.
type WebhookConfig struct {
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	Enabled      bool   `mapstructure:"enabled"`
	FarmerName   string `mapstructure:"farmer_name"`
}

const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier handles sending notifications.
type Notifier struct {
	cfg    *WebhookConfig
	client *http.Client
}

// NewNotifier creates a new notifier.
func NewNotifier(cfg *WebhookConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyPoolError sends a notification when a pool's HTTP client hits a
// persistent failure (consecutive POST/GET/PUT errors, bad signature,
// or a redirect loop it can't resolve).
func (n *Notifier) NotifyPoolError(poolURL string, err error) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordPoolErrorNotification(poolURL, err)
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramPoolErrorNotification(poolURL, err)
	}
}

// NotifyHarvesterConnected sends a notification when a new harvester
// session completes its handshake.
func (n *Notifier) NotifyHarvesterConnected(peerID string, plotCount int) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordHarvesterNotification("Harvester Connected", 0x00FF00, peerID, plotCount)
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramHarvesterNotification("Harvester Connected", peerID, plotCount)
	}
}

// NotifyHarvesterDisconnected sends a notification when a harvester
// session is removed, voluntarily or due to a dead connection.
func (n *Notifier) NotifyHarvesterDisconnected(peerID string) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordHarvesterNotification("Harvester Disconnected", 0xFF0000, peerID, -1)
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramHarvesterNotification("Harvester Disconnected", peerID, -1)
	}
}

// DiscordEmbed represents a Discord embed object.
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed.
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed.
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message.
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) sendDiscordPoolErrorNotification(poolURL string, poolErr error) {
	embed := DiscordEmbed{
		Title:       "Pool Error",
		Description: fmt.Sprintf("**%s** hit a pool error", n.cfg.FarmerName),
		Color:       0xFF0000,
		Fields: []DiscordField{
			{Name: "Pool", Value: poolURL, Inline: true},
			{Name: "Error", Value: poolErr.Error(), Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: n.cfg.FarmerName},
	}
	n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordHarvesterNotification(title string, color int, peerID string, plotCount int) {
	fields := []DiscordField{
		{Name: "Peer", Value: peerID, Inline: true},
	}
	if plotCount >= 0 {
		fields = append(fields, DiscordField{Name: "Plots", Value: fmt.Sprintf("%d", plotCount), Inline: true})
	}

	embed := DiscordEmbed{
		Title:       title,
		Description: fmt.Sprintf("**%s**", n.cfg.FarmerName),
		Color:       color,
		Fields:      fields,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer:      &DiscordFooter{Text: n.cfg.FarmerName},
	}
	n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("failed to marshal Discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordURL, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("failed to send Discord notification after %d retries: %v", MaxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message.
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegramPoolErrorNotification(poolURL string, poolErr error) {
	text := fmt.Sprintf(
		"*Pool Error*\n\nPool: `%s`\nError: `%s`",
		poolURL, poolErr.Error(),
	)
	n.sendTelegramMessageWithRetry(text)
}

func (n *Notifier) sendTelegramHarvesterNotification(title, peerID string, plotCount int) {
	text := fmt.Sprintf("*%s*\n\nPeer: `%s`", title, peerID)
	if plotCount >= 0 {
		text += fmt.Sprintf("\nPlots: `%d`", plotCount)
	}
	n.sendTelegramMessageWithRetry(text)
}

func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("failed to marshal Telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("failed to send Telegram notification after %d retries: %v", MaxRetries, lastErr)
	}
}
