package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agusx1211/courier/internal/telegram"
)

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a message through the Telegram transport",
	Long: `Send a one-off message to a configured chat.

Use - as the message to read from stdin.

Examples:
  courier send "deploy finished"
  make test 2>&1 | courier send --pre -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().Int64("chat", 0, "Target chat id (default: first allowed chat)")
	sendCmd.Flags().Bool("silent", false, "Deliver without a notification sound")
	sendCmd.Flags().Bool("pre", false, "Send as a monospace <pre> block")
	sendCmd.Flags().BoolP("quiet", "q", false, "Suppress output")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	quiet, _ := cmd.Flags().GetBool("quiet")
	silent, _ := cmd.Flags().GetBool("silent")
	pre, _ := cmd.Flags().GetBool("pre")

	if len(args) == 0 {
		return fmt.Errorf("message required (use - to read from stdin)")
	}
	text := args[0]
	if text == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty message")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := telegramClient(cfg)
	if err != nil {
		return err
	}

	chatID, _ := cmd.Flags().GetInt64("chat")
	if chatID == 0 {
		chatID = defaultChatID(cfg)
	}
	if chatID == 0 {
		return fmt.Errorf("no target chat: pass --chat or set telegram.allowed_chat_ids")
	}

	messages := sendChunks(text, pre)
	for i, msg := range messages {
		opts := &telegram.SendOptions{Silent: silent || i > 0}
		if pre {
			opts.ParseMode = "HTML"
		}
		if client.SendMessage(cmd.Context(), chatID, msg, opts) == nil {
			if !quiet {
				fmt.Fprintln(os.Stderr, "error: failed to send message")
			}
			return errSilentExit
		}
	}

	if !quiet {
		fmt.Println("sent")
	}
	return nil
}

// sendChunks splits text into deliverable messages. Pre mode wraps each
// chunk in an escaped <pre> block; plain mode splits on the same budget so
// no chunk exceeds the Telegram limit.
func sendChunks(text string, pre bool) []string {
	if pre {
		return telegram.PreBlocks(text)
	}
	return telegram.SplitForHTMLPre(text, telegram.MessageMaxChars)
}
