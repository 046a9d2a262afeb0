package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mikabot/mika/internal/agent"
	"github.com/mikabot/mika/internal/config"
	"github.com/mikabot/mika/internal/metrics"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the bot interactively in the terminal",
	RunE:  runChat,
}

func init() { rootCmd.AddCommand(chatCmd) }

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	log := slog.Default()

	met, err := metrics.New()
	if err != nil {
		return err
	}
	c, err := buildCore(ctx, cfg, met, log)
	if err != nil {
		return err
	}
	defer c.close()

	fmt.Printf("%s ready. Type a message, or /quit to exit.\n", cfg.Bot.Name)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		reply, err := c.orch.Chat(ctx, agent.ChatInput{
			Message:     line,
			UserID:      "terminal",
			Nickname:    "You",
			EnableTools: true,
			RetryCount:  cfg.LLM.RetryCount,
		})
		if err != nil {
			return err
		}
		if reply == "" {
			fmt.Println("(no reply)")
			continue
		}
		fmt.Printf("%s: %s\n", cfg.Bot.Name, reply)
	}
}
