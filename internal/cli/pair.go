package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

const pairTimeout = 10 * time.Second

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Show a QR code linking to the bot",
	Long: `Look up the bot's username and render a t.me deep link as a QR code,
for opening the chat from a phone. New chats must still be added to
telegram.allowed_chat_ids before the bot answers them.`,
	Args: cobra.NoArgs,
	RunE: runPair,
}

func init() {
	rootCmd.AddCommand(pairCmd)
}

func runPair(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := telegramClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), pairTimeout)
	defer cancel()

	me := client.GetMe(ctx)
	if me == nil {
		return fmt.Errorf("telegram getMe failed: check the bot token and network")
	}
	if me.Username == "" {
		return fmt.Errorf("bot has no username, cannot build a t.me link")
	}

	url := "https://t.me/" + me.Username
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("rendering QR code: %w", err)
	}

	printHeader("Pair with @" + me.Username)
	fmt.Println(code.ToString(false))
	printField("Bot", "@"+me.Username)
	printField("Link", url)
	if cfg.Web.Enabled {
		printField("Status page", webBaseURL(cfg))
	}

	fmt.Println()
	fmt.Println(colorDim + "  Open the link, send a message, and add the chat id to" + colorReset)
	fmt.Println(colorDim + "  telegram.allowed_chat_ids. Rejected chats are listed in the" + colorReset)
	fmt.Println(colorDim + "  debug log (courier daemon --debug)." + colorReset)
	return nil
}
