// Package notify sends each account a summary of its registration outcome.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/civil"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const DefaultSubject = "カレンダー自動登録通知"

// Messenger delivers one plain-text message and returns its provider id.
type Messenger interface {
	Send(ctx context.Context, to, subject, body string) (string, error)
}

type Config struct {
	Enabled          bool
	DefaultRecipient string
	DefaultSubject   string
}

// Dispatcher implements the orchestrator's Notifier on top of a Messenger.
// Delivery problems are reported in the result and never returned.
type Dispatcher struct {
	messenger Messenger
	cfg       Config
}

func New(m Messenger, cfg Config) *Dispatcher {
	if cfg.DefaultSubject == "" {
		cfg.DefaultSubject = DefaultSubject
	}
	return &Dispatcher{messenger: m, cfg: cfg}
}

func (d *Dispatcher) Notify(ctx context.Context, account model.CalendarAccount, outcome model.RegistrationOutcome) model.NotificationResult {
	res := model.NotificationResult{AccountID: account.AccountID, Status: model.NotificationSkipped}
	if !d.cfg.Enabled || d.messenger == nil {
		appLog.Debug("notification disabled", "account", account.AccountID)
		return res
	}

	to := account.NotifyEmail
	if to == "" {
		to = d.cfg.DefaultRecipient
	}
	if to == "" {
		appLog.Info("no notification recipient", "account", account.AccountID)
		return res
	}
	res.Recipient = to

	subject := fmt.Sprintf("%s: %s", d.cfg.DefaultSubject, account.Name())
	id, err := d.messenger.Send(ctx, to, subject, Body(account, outcome))
	if err != nil {
		appLog.Error("notification failed", err, "account", account.AccountID, "to", to)
		res.Status = model.NotificationFailed
		res.Error = err.Error()
		return res
	}
	appLog.Info("notification sent", "account", account.AccountID, "to", to, "message_id", id)
	res.Status = model.NotificationDelivered
	return res
}

// Body renders the summary text for one account.
func Body(account model.CalendarAccount, outcome model.RegistrationOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "アカウント: %s\n", account.Name())
	fmt.Fprintf(&b, "対象日数: %d\n", outcome.Total())
	fmt.Fprintf(&b, "登録: %d件 / スキップ: %d件 / エラー: %d件\n",
		len(outcome.Created), len(outcome.Skipped), len(outcome.Errors))

	created := make([]string, 0, len(outcome.Created))
	for _, d := range outcome.Created {
		created = append(created, d.String())
	}
	fmt.Fprintf(&b, "登録日: [%s]\n", strings.Join(created, ", "))

	details := detailLines(outcome)
	if len(details) > 0 {
		b.WriteString("\n詳細:\n")
		for _, line := range details {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

type detail struct {
	date civil.Date
	text string
}

func detailLines(outcome model.RegistrationOutcome) []string {
	all := make([]detail, 0, outcome.Total())
	for _, d := range outcome.Created {
		all = append(all, detail{d, "created"})
	}
	for _, d := range outcome.WouldCreate {
		all = append(all, detail{d, "would-create"})
	}
	for d, reason := range outcome.Skipped {
		all = append(all, detail{d, "skipped (" + string(reason) + ")"})
	}
	for _, e := range outcome.Errors {
		all = append(all, detail{e.Date, "error (" + string(e.Kind) + ")"})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].date.Before(all[j].date) })

	out := make([]string, 0, len(all))
	for _, d := range all {
		out = append(out, fmt.Sprintf("- %s: %s", d.date, d.text))
	}
	return out
}
