package reaper

import (
	"context"

	"github.com/slack-go/slack"

	"github.com/jobmon-org/jobmon/internal/cmn/config"
)

// Notifier posts reap notices to a Slack channel.
type Notifier struct {
	api     *slack.Client
	channel string
}

func NewNotifier(cfg config.SlackConfig) *Notifier {
	return &Notifier{api: slack.New(cfg.Token), channel: cfg.Channel}
}

func (n *Notifier) Post(ctx context.Context, text string) error {
	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false))
	return err
}
