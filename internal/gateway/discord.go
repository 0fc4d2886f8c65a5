package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	discordTitleMax       = 256
	discordDescriptionMax = 4096
	alertColor            = 0xE01E5A
)

// DiscordChannel posts alerts as an embed through a channel webhook, so no
// bot account or gateway connection is needed.
type DiscordChannel struct {
	webhookID string
	token     string
	session   *discordgo.Session
}

func NewDiscordChannel(webhookURL string) (*DiscordChannel, error) {
	id, token, err := parseDiscordWebhook(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	return &DiscordChannel{webhookID: id, token: token, session: session}, nil
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Send(ctx context.Context, subject, body string) error {
	params := &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       truncate(subject, discordTitleMax),
			Description: truncate(body, discordDescriptionMax),
			Color:       alertColor,
		}},
	}
	_, err := d.session.WebhookExecute(d.webhookID, d.token, false, params, discordgo.WithContext(ctx))
	return deliveryErr(d.Name(), err)
}

// parseDiscordWebhook extracts the id and token from
// https://discord.com/api/webhooks/<id>/<token>.
func parseDiscordWebhook(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord webhook url %q has no webhooks/<id>/<token> path", raw)
}
