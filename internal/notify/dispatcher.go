package notify

import (
	"context"
	"html/template"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const appName = "Brand Lift"

// Sender delivers a rendered message. *Mailer satisfies it.
type Sender interface {
	IsConfigured() bool
	SendHTML(ctx context.Context, to []string, subject, htmlBody string) error
}

type Recipient struct {
	Name  string
	Email string
}

// StudyEvent describes one lifecycle transition worth telling people about.
type StudyEvent struct {
	Recipients   []Recipient
	StudyID      string
	StudyName    string
	CampaignName string
	ActorName    string
	Comment      string
}

// Dispatcher sends lifecycle emails in the background. Every method returns
// immediately; failures are logged and never reported to the caller.
type Dispatcher struct {
	sender  Sender
	logger  *zap.Logger
	timeout time.Duration
	appURL  string
	wg      sync.WaitGroup
}

func NewDispatcher(sender Sender, logger *zap.Logger, timeout time.Duration, appURL string) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		sender:  sender,
		logger:  logger.Named("notify"),
		timeout: timeout,
		appURL:  strings.TrimRight(appURL, "/"),
	}
}

func (d *Dispatcher) ReviewRequested(ctx context.Context, event StudyEvent) {
	d.dispatch(ctx, "review_requested", "Review requested: "+event.StudyName, reviewRequestedTemplate, event)
}

func (d *Dispatcher) SignedOff(ctx context.Context, event StudyEvent) {
	d.dispatch(ctx, "signed_off", "Study approved: "+event.StudyName, signedOffTemplate, event)
}

func (d *Dispatcher) ChangesRequested(ctx context.Context, event StudyEvent) {
	d.dispatch(ctx, "changes_requested", "Changes requested: "+event.StudyName, changesRequestedTemplate, event)
}

// Wait blocks until in-flight sends finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, kind, subject string, tmpl *template.Template, event StudyEvent) {
	logger := d.logger.With(zap.String("kind", kind), zap.String("study_id", event.StudyID))
	if len(event.Recipients) == 0 {
		logger.Debug("no recipients for notification")
		return
	}
	if d.sender == nil || !d.sender.IsConfigured() {
		logger.Info("email not configured; notification skipped", zap.Int("recipients", len(event.Recipients)))
		return
	}

	// The request context is about to be cancelled; keep its values only.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("notification panicked", zap.Any("panic", r))
			}
		}()

		for _, recipient := range event.Recipients {
			if strings.TrimSpace(recipient.Email) == "" {
				continue
			}
			body, err := renderTemplate(tmpl, d.emailData(recipient, event))
			if err != nil {
				logger.Error("render notification", zap.Error(err))
				return
			}
			if err := d.sender.SendHTML(sendCtx, []string{recipient.Email}, subject, body); err != nil {
				logger.Warn("send notification", zap.String("recipient", recipient.Email), zap.Error(err))
				continue
			}
			logger.Info("notification sent", zap.String("recipient", recipient.Email))
		}
	}()
}

func (d *Dispatcher) emailData(recipient Recipient, event StudyEvent) emailData {
	name := strings.TrimSpace(recipient.Name)
	if name == "" {
		name = recipient.Email
	}
	var studyURL string
	if d.appURL != "" {
		studyURL = d.appURL + "/studies/" + event.StudyID
	}
	return emailData{
		AppName:       appName,
		RecipientName: name,
		StudyName:     event.StudyName,
		CampaignName:  event.CampaignName,
		ActorName:     event.ActorName,
		Comment:       event.Comment,
		StudyURL:      studyURL,
	}
}
