package sla

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// Notifier delivers a freshly opened alert to external channels. The
// channels map comes from the SLA rule; unknown keys are ignored so a
// rule can carry channels this build does not support.
type Notifier interface {
	Notify(ctx context.Context, channels map[string]string, alert *store.AlertEvent) error
}

// DiscordNotifier posts alerts to Discord webhooks. The webhook URL is
// taken from the rule's "discord_webhook" channel.
type DiscordNotifier struct {
	session *discordgo.Session
}

// NewDiscordNotifier builds a webhook-only Discord client; no bot token
// is needed for webhook execution.
func NewDiscordNotifier() (*DiscordNotifier, error) {
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordNotifier{session: session}, nil
}

// Notify posts the alert when the rule carries a Discord webhook.
func (d *DiscordNotifier) Notify(ctx context.Context, channels map[string]string, alert *store.AlertEvent) error {
	url, ok := channels["discord_webhook"]
	if !ok || url == "" {
		return nil
	}
	id, token, err := parseWebhookURL(url)
	if err != nil {
		return err
	}

	content := fmt.Sprintf("**[%s] %s**\n%s", alert.Severity, alert.Type, alert.Message)
	if alert.RobotID != store.SentinelRobotID {
		content += fmt.Sprintf("\nrobot: `%s`", alert.RobotID)
	}
	if alert.RunID != "" {
		content += fmt.Sprintf("\nrun: `%s`", alert.RunID)
	}

	_, err = d.session.WebhookExecute(id, token, false, &discordgo.WebhookParams{
		Content:  content,
		Username: "RPA Hub",
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("execute discord webhook: %w", err)
	}
	return nil
}

// parseWebhookURL splits .../webhooks/<id>/<token> into its parts.
func parseWebhookURL(url string) (id, token string, err error) {
	const marker = "/webhooks/"
	i := strings.Index(url, marker)
	if i < 0 {
		return "", "", fmt.Errorf("not a discord webhook url")
	}
	rest := strings.Split(strings.TrimSuffix(url[i+len(marker):], "/"), "/")
	if len(rest) != 2 || rest[0] == "" || rest[1] == "" {
		return "", "", fmt.Errorf("not a discord webhook url")
	}
	return rest[0], rest[1], nil
}
