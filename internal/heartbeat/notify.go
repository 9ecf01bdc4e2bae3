package heartbeat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agusx1211/courier/internal/telegram"
)

const (
	// summaryLines is how many trailing non-empty answer lines the
	// report includes.
	summaryLines = 10
	// maxErrorChars bounds the error excerpt in the report header.
	maxErrorChars = 500
)

// FormatRunHeader renders the first line of a run report:
//
//	<b>✅ name</b>
//	Duration: 5.0s ($0.0042)
//
// with an error excerpt appended for failed runs.
func FormatRunHeader(task string, res Result) string {
	mark := "✅"
	if !res.OK {
		mark = "❌"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s %s</b>\nDuration: %s", mark, telegram.EscapeHTML(task), formatDuration(res.Duration))
	if res.Usage != nil && res.Usage.CostUSD != nil {
		fmt.Fprintf(&b, " ($%.4f)", *res.Usage.CostUSD)
	}
	if !res.OK && res.Error != "" {
		msg := res.Error
		if runes := []rune(msg); len(runes) > maxErrorChars {
			msg = string(runes[:maxErrorChars])
		}
		b.WriteString("\n<b>Error:</b> ")
		b.WriteString(telegram.EscapeHTML(msg))
	}
	return b.String()
}

// formatDuration renders sub-minute durations with decisecond precision
// and longer ones as minutes and seconds.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	total := int(d.Seconds())
	return fmt.Sprintf("%dm%ds", total/60, total%60)
}

// summarize keeps the last n non-empty lines of text.
func summarize(text string, n int) string {
	lines := strings.Split(text, "\n")
	keep := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(keep) < n; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			keep = append(keep, lines[i])
		}
	}
	for i, j := 0, len(keep)-1; i < j; i, j = i+1, j-1 {
		keep[i], keep[j] = keep[j], keep[i]
	}
	return strings.Join(keep, "\n")
}

// TelegramNotifier reports run outcomes to a Telegram chat: one header
// message with sound, then the answer summary as silent <pre> chunks.
type TelegramNotifier struct {
	Client *telegram.Client
}

// NotifyRun implements Notifier. Delivery stops at the first failed send;
// the remaining chunks would arrive out of order anyway.
func (n *TelegramNotifier) NotifyRun(ctx context.Context, chatID int64, task string, res Result) bool {
	header := FormatRunHeader(task, res)
	if n.Client.SendMessage(ctx, chatID, header, &telegram.SendOptions{ParseMode: "HTML"}) == nil {
		return false
	}

	summary := summarize(res.Answer, summaryLines)
	if strings.TrimSpace(summary) == "" {
		return true
	}
	for _, block := range telegram.PreBlocks(summary) {
		opts := &telegram.SendOptions{ParseMode: "HTML", Silent: true}
		if n.Client.SendMessage(ctx, chatID, block, opts) == nil {
			return false
		}
	}
	return true
}
