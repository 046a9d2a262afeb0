package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikabot/mika/internal/agent"
	"github.com/mikabot/mika/internal/bus"
	"github.com/mikabot/mika/internal/config"
	"github.com/mikabot/mika/internal/media"
	"github.com/mikabot/mika/internal/metrics"
	"github.com/mikabot/mika/internal/providers"
	"github.com/mikabot/mika/internal/sessions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the core against a platform adapter on stdin/stdout",
	Long: "Reads one JSON event envelope per line from stdin and writes one\n" +
		"action per handled event to stdout. Platform adapters attach here.",
	RunE: runServe,
}

func init() { rootCmd.AddCommand(serveCmd) }

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := slog.Default()

	shutdownTelemetry, err := metrics.Setup(ctx, cfg.Telemetry.Enabled, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	met, err := metrics.New()
	if err != nil {
		return err
	}

	c, err := buildCore(ctx, cfg, met, log)
	if err != nil {
		return err
	}
	defer c.close()

	if err := config.Watch(ctx, cfgPath, cfg.Apply); err != nil {
		log.Warn("config.watch_unavailable", "error", err)
	}
	if c.dreams != nil {
		go c.dreams.Loop(ctx)
	}

	log.Info("mika.serving", "model", cfg.LLM.Model, "db", cfg.Database.Path)
	return runBridge(ctx, c)
}

// outboundAction is the stdout wire format: one JSON object per line.
type outboundAction struct {
	Kind   string     `json:"kind"`
	Action bus.Action `json:"action"`
}

func runBridge(ctx context.Context, c *core) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	out := json.NewEncoder(os.Stdout)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return scanner.Err()
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			env, err := bus.DecodeEnvelope([]byte(line))
			if err != nil {
				c.log.Warn("envelope.decode_failed", "error", err)
				continue
			}
			action := c.handle(ctx, env)
			if err := out.Encode(outboundAction{Kind: action.ActionKind(), Action: action}); err != nil {
				return fmt.Errorf("write action: %w", err)
			}
		}
	}
}

// handle turns one inbound envelope into one outbound action.
func (c *core) handle(ctx context.Context, env *bus.EventEnvelope) bus.Action {
	groupID := env.Meta["group_id"]
	text := env.PlainText()

	if env.Author.ID == c.cfg.Bot.SelfID {
		return bus.NoopAction{Reason: "self_message"}
	}

	mentionsMe := false
	for _, id := range env.Mentions() {
		if id == c.cfg.Bot.SelfID {
			mentionsMe = true
			break
		}
	}

	if groupID != "" {
		c.gate.Observe(groupID, 1)

		c.images.Remember(env.MessageID, env.ImageURLs())
	}

	var injection string
	if groupID != "" && !mentionsMe {
		trigger := c.gate.Check(agent.GateInput{
			GroupID:    groupID,
			SenderID:   env.Author.ID,
			Text:       text,
			HasImage:   env.HasImage(),
			MentionsMe: mentionsMe,
		})
		if trigger == nil {
			c.archiveObserved(ctx, groupID, env, text)
			return bus.NoopAction{Reason: "not_addressed"}
		}
		ok, err := c.orch.JudgeProactive(ctx, groupID, trigger)
		if err != nil {
			c.log.Warn("proactive.judge_failed", "error", err)
			c.archiveObserved(ctx, groupID, env, text)
			return bus.NoopAction{Reason: "judge_error"}
		}
		if !ok {
			c.archiveObserved(ctx, groupID, env, text)
			return bus.NoopAction{Reason: "judge_declined"}
		}
		injection = agent.ProactiveInjection(trigger, env.Author.Nickname, text)
	}

	reply, err := c.orch.Chat(ctx, agent.ChatInput{
		Message:         text,
		UserID:          env.Author.ID,
		Nickname:        env.Author.Nickname,
		GroupID:         groupID,
		MessageID:       env.MessageID,
		ImageURLs:       env.ImageURLs(),
		EnableTools:     true,
		RetryCount:      c.cfg.LLM.RetryCount,
		SystemInjection: injection,
		IsProactive:     injection != "",
	})
	if err != nil {
		return bus.NoopAction{Reason: "canceled"}
	}
	if reply == "" {
		return bus.NoopAction{Reason: "silent"}
	}

	action := bus.SendMessageAction{
		SessionKey: sessions.Build(env.Author.ID, groupID),
		Text:       reply,
	}
	if groupID != "" && injection == "" {
		action.ReplyToID = env.MessageID
		action.AtUserID = env.Author.ID
	}
	return action
}

// archiveObserved records a group message the bot is not going to answer.
// Handled messages reach the archive through the orchestrator; this keeps
// the rest of the room visible to the transcript, the summarizer and the
// proactive judge.
func (c *core) archiveObserved(ctx context.Context, groupID string, env *bus.EventEnvelope, text string) {
	content := text
	for _, url := range env.ImageURLs() {
		if content != "" {
			content += " "
		}
		content += media.ImagePlaceholder(url)
	}
	if content == "" {
		return
	}
	err := c.contexts.ArchiveOnly(ctx, sessions.GroupKey(groupID), providers.Message{
		Role:      providers.RoleUser,
		Content:   content,
		UserID:    env.Author.ID,
		Nickname:  env.Author.Nickname,
		MessageID: env.MessageID,
		Timestamp: env.Timestamp,
	})
	if err != nil {
		c.log.Warn("archive.observed_failed", "group", groupID, "error", err)
	}
}
