// Package slack is the Slack gateway adapter, connecting over Socket Mode
// (no public HTTP endpoint required) via slack-go/slack.
package slack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/agentmux/internal/channels"
	"github.com/nextlevelbuilder/agentmux/internal/config"
)

const maxMessageLen = 4000

// Channel connects to Slack over Socket Mode.
type Channel struct {
	*channels.BaseChannel
	cfg    config.SlackConfig
	api    *slack.Client
	client *socketmode.Client
	botID  string
	cancel context.CancelFunc
}

func New(cfg config.SlackConfig, base *channels.BaseChannel) (*Channel, error) {
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	client := socketmode.New(api)
	return &Channel{BaseChannel: base, cfg: cfg, api: api, client: client}, nil
}

func (c *Channel) Start(ctx context.Context) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.client.RunContext(runCtx)
	go c.eventLoop(runCtx)

	c.SetRunning(true)
	slog.Info("slack bot connected", "bot_id", c.botID)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Channel) Send(ctx context.Context, channelID, content string) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack bot not running")
	}
	if err := c.Throttle(ctx); err != nil {
		return err
	}
	for _, chunk := range chunkText(content, maxMessageLen) {
		if _, _, err := c.api.PostMessage(channelID, slack.MsgOptionText(chunk, false)); err != nil {
			return fmt.Errorf("send slack message: %w", err)
		}
	}
	return nil
}

func (c *Channel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.client.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			c.client.Ack(*evt.Request)

			inner, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if ev, ok := inner.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				c.handleMessage(ev)
			}
		}
	}
}

func (c *Channel) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == "" || ev.User == c.botID || ev.BotID != "" {
		return
	}

	peerKind := "group"
	if ev.ChannelType == "im" {
		peerKind = "direct"
	}
	if !c.CheckPolicy(peerKind, c.cfg.DMPolicy, c.cfg.GroupPolicy, ev.User) {
		slog.Debug("slack message rejected by policy", "user_id", ev.User, "peer_kind", peerKind)
		return
	}
	if !c.IsAllowed(ev.User) {
		slog.Debug("slack message rejected by allowlist", "user_id", ev.User)
		return
	}

	content := ev.Text
	if content == "" {
		return
	}

	slog.Debug("slack message received", "user_id", ev.User, "channel_id", ev.Channel,
		"preview", channels.Truncate(content, 50))

	c.HandleMessage(ev.User, ev.Channel, content, nil)
}

func chunkText(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := lastNewline(text[:maxLen]); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
