// Package notify runs the periodic account notification sweeps, currently
// just the outdated gateway reminder.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/firezone/firezone-sub015/internal/logging"
	"github.com/firezone/firezone-sub015/internal/store"
)

// Sender delivers one outdated-gateway notification to an account's
// admins. Implementations are mailer- or webhook-backed; failures are
// retried on the next sweep because the notified marker is only written
// after a successful send.
type Sender interface {
	SendOutdatedGateway(ctx context.Context, account *store.Account, latestVersion string) error
}

// LogSender is the default Sender: it records the notification instead
// of delivering it. Deployments wire a real mailer here.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) SendOutdatedGateway(_ context.Context, account *store.Account, latestVersion string) error {
	s.Log.Info().
		Str("account_id", account.ID.String()).
		Str("latest_version", latestVersion).
		Msg("Account has outdated gateways")
	return nil
}

// OutdatedGateways sweeps for accounts running gateways behind the
// current release and notifies them at most once every 24 hours. Hosted
// under the global executor so the cluster sends each reminder once.
type OutdatedGateways struct {
	store         *store.Store
	sender        Sender
	latestVersion string
	log           zerolog.Logger
}

func NewOutdatedGateways(st *store.Store, sender Sender, latestVersion string) *OutdatedGateways {
	log := logging.WithComponent("notify")
	if sender == nil {
		sender = LogSender{Log: log}
	}
	return &OutdatedGateways{
		store:         st,
		sender:        sender,
		latestVersion: latestVersion,
		log:           log,
	}
}

func (o *OutdatedGateways) Name() string { return "outdated_gateway_notifier" }

func (o *OutdatedGateways) Execute(ctx context.Context) error {
	accounts, err := o.store.AccountsWithOutdatedGateways(ctx, o.latestVersion)
	if err != nil {
		return fmt.Errorf("list accounts with outdated gateways: %w", err)
	}
	for i := range accounts {
		account := &accounts[i]
		if err := o.sender.SendOutdatedGateway(ctx, account, o.latestVersion); err != nil {
			o.log.Warn().Err(err).
				Str("account_id", account.ID.String()).
				Msg("Outdated gateway notification failed, will retry next sweep")
			continue
		}
		if err := o.store.MarkOutdatedGatewayNotified(ctx, account.ID, time.Now()); err != nil {
			return fmt.Errorf("mark account %s notified: %w", account.ID, err)
		}
	}
	return nil
}
