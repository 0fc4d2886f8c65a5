package gateway

import (
	"context"
	"errors"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/microcosm-cc/bluemonday"

	"github.com/rahul/retailpipe/pkg/config"
)

// Telegram rejects messages longer than this.
const telegramMaxRunes = 4096

type TelegramChannel struct {
	Token       string
	ChatID      int64
	APIEndpoint string
	Client      *http.Client

	policy *bluemonday.Policy
}

func NewTelegramChannel(cfg config.TelegramConfig) *TelegramChannel {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &TelegramChannel{
		Token:       cfg.Token,
		ChatID:      cfg.ChatID,
		APIEndpoint: endpoint,
		Client:      &http.Client{},
		policy:      bluemonday.StrictPolicy(),
	}
}

func (tg *TelegramChannel) Name() string { return "telegram" }

// Send connects a bot for every alert. Alerts are rare, and a bad token then
// surfaces as a delivery error instead of a startup failure.
func (tg *TelegramChannel) Send(ctx context.Context, subject, body string) error {
	if tg.ChatID == 0 {
		return deliveryErr(tg.Name(), errors.New("chat id is not configured"))
	}

	bot, err := tgbotapi.NewBotAPIWithClient(tg.Token, tg.APIEndpoint, ctxClient{ctx: ctx, c: tg.Client})
	if err != nil {
		return deliveryErr(tg.Name(), err)
	}

	msg := tgbotapi.NewMessage(tg.ChatID, tg.render(subject, body))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := bot.Send(msg); err != nil {
		return deliveryErr(tg.Name(), err)
	}
	return nil
}

// render embeds the alert in Telegram HTML. Alert text can carry step output,
// so any markup in it is stripped and the rest escaped. The raw text is cut
// before escaping so an entity is never split.
func (tg *TelegramChannel) render(subject, body string) string {
	subject = tg.policy.Sanitize(truncate(subject, 256))
	body = tg.policy.Sanitize(truncate(body, telegramMaxRunes-300))
	return "<b>" + subject + "</b>\n" + body
}

// ctxClient binds the bot's requests to the delivery deadline.
type ctxClient struct {
	ctx context.Context
	c   *http.Client
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.c.Do(req.WithContext(c.ctx))
}
