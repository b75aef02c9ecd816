// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polytracker/internal/leaderboard"
	"github.com/rewired-gh/polytracker/internal/models"
)

// SnapshotSource provides the latest snapshot for bot commands.
type SnapshotSource interface {
	Current() (*models.Snapshot, bool)
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	snapshots      SnapshotSource
	now            func() time.Time
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		now:            time.Now,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, snapshots SnapshotSource) {
	c.snapshots = snapshots

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	var text string
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
		return
	case "best":
		var snap *models.Snapshot
		if c.snapshots != nil {
			snap, _ = c.snapshots.Current()
		}
		text = formatBest(snap, c.now())
	default:
		return
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	reply.ParseMode = "MarkdownV2"
	c.bot.Send(reply) //nolint:errcheck
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a refresh error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Refresh error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Refresh recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// SendLeaderChange announces a new most accurate model. prev is empty when
// there was no leader before.
func (c *Client) SendLeaderChange(prev string, best models.BestModel) error {
	return c.sendMarkdownV2(formatLeaderChange(prev, best))
}

// formatLeaderChange formats a leader change into a Telegram MarkdownV2 message.
func formatLeaderChange(prev string, best models.BestModel) string {
	var b strings.Builder
	b.WriteString("🏆 *Most accurate model changed*\n\n")
	if prev != "" {
		fmt.Fprintf(&b, "%s → *%s*\n", escapeMarkdownV2(prev), escapeMarkdownV2(best.Source))
	} else {
		fmt.Fprintf(&b, "*%s*\n", escapeMarkdownV2(best.Source))
	}
	b.WriteString(formatStats(best))
	return b.String()
}

// formatBest formats the /best command reply.
func formatBest(snap *models.Snapshot, now time.Time) string {
	if snap == nil {
		return escapeMarkdownV2("No forecast data yet.")
	}
	updated := escapeMarkdownV2("Updated " + humanize.RelTime(snap.TakenAt, now, "ago", "from now"))
	if latest := formatLatestDay(snap.Records); latest != "" {
		updated = latest + "\n" + updated
	}
	if !snap.HasBest {
		return escapeMarkdownV2("No accuracy data available yet.") + "\n" + updated
	}
	return fmt.Sprintf("🏆 *%s*\n%s%s", escapeMarkdownV2(snap.Best.Source), formatStats(snap.Best), updated)
}

// formatLatestDay renders the most recent resolved chart row, or the most
// recent row when nothing is resolved yet: "Nov 21: Actual 53°F · NWS 52°F".
func formatLatestDay(records []models.MergedRecord) string {
	if len(records) == 0 {
		return ""
	}
	rec := records[len(records)-1]
	for i := len(records) - 1; i >= 0; i-- {
		if _, ok := records[i].Actual(); ok {
			rec = records[i]
			break
		}
	}

	parts := make([]string, 0, len(rec.Values))
	if actual, ok := rec.Actual(); ok {
		parts = append(parts, "Actual "+formatTemp(actual))
	}
	for _, key := range rec.Keys() {
		if key == models.ActualKey {
			continue
		}
		v, _ := rec.Value(key)
		parts = append(parts, key+" "+formatTemp(v))
	}
	return escapeMarkdownV2(rec.DateLabel + ": " + strings.Join(parts, " · "))
}

func formatTemp(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "°F"
}

func formatStats(best models.BestModel) string {
	confidence := ""
	if best.IsHighConfidence {
		confidence = " 🎯"
	}
	accuracy := escapeMarkdownV2(strconv.FormatFloat(best.AccuracyPercent, 'f', -1, 64) + "% of forecasts within ±2°F")
	mae := escapeMarkdownV2(leaderboard.FormatDegrees(best.MAE))
	rmse := escapeMarkdownV2(leaderboard.FormatDegrees(best.RMSE))
	return fmt.Sprintf("%s\nMAE %s°F%s · RMSE %s°F · %s resolved\n",
		accuracy, mae, confidence, rmse,
		escapeMarkdownV2(fmt.Sprintf("%d/%d", best.TotalResolved, best.TotalForecasts)))
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
