package hosting

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// AlertKind classifies operator alerts.
type AlertKind string

const (
	AlertForceStop         AlertKind = "force_stop"
	AlertInsufficientFunds AlertKind = "insufficient_funds"
	AlertSustainedFailure  AlertKind = "sustained_failure"
)

// AlertEvent is one operator-facing notification. Alerts are best-effort and
// never block or fail the loop that emits them.
type AlertEvent struct {
	Kind           AlertKind
	InstanceID     string
	AssetID        string
	OrganizationID string
	Reason         string
	Detail         string
	At             time.Time
}

type Alerter interface {
	Notify(ctx context.Context, event AlertEvent)
}

// DiscordAlerter posts alerts to an operations channel. A nil receiver is
// valid and drops everything, so callers never need to branch on whether
// alerting is configured.
type DiscordAlerter struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

func NewDiscordAlerter(botToken, channelID string, logger *zap.Logger) (*DiscordAlerter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if botToken == "" {
		return nil, nil
	}

	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &DiscordAlerter{
		session:   session,
		channelID: channelID,
		logger:    logger,
	}, nil
}

func (a *DiscordAlerter) Notify(ctx context.Context, event AlertEvent) {
	if a == nil {
		return
	}

	if _, err := a.session.ChannelMessageSend(a.channelID, formatAlert(event)); err != nil {
		a.logger.Warn("failed to send alert",
			zap.String("kind", string(event.Kind)),
			zap.String("instance_id", event.InstanceID),
			zap.Error(err),
		)
	}
}

func formatAlert(event AlertEvent) string {
	header := map[AlertKind]string{
		AlertForceStop:         ":octagonal_sign: instance force-stopped",
		AlertInsufficientFunds: ":money_with_wings: instance stopped: insufficient funds",
		AlertSustainedFailure:  ":warning: instance unhealthy past threshold",
	}[event.Kind]
	if header == "" {
		header = ":bell: hosting alert"
	}

	msg := fmt.Sprintf("%s\ninstance: `%s`\nasset: `%s`\nreason: %s",
		header, event.InstanceID, event.AssetID, event.Reason)
	if event.OrganizationID != "" {
		msg += fmt.Sprintf("\norg: `%s`", event.OrganizationID)
	}
	if event.Detail != "" {
		msg += "\n" + event.Detail
	}
	msg += "\nat: " + event.At.UTC().Format(time.RFC3339)

	return msg
}
