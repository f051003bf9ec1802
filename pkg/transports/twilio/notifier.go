package twilio

import (
	"context"
	"errors"
	"fmt"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/ethiq/callguard/pkg/alert"
	"github.com/ethiq/callguard/pkg/errorsx"
)

const DefaultAlertBody = "⚠️ Alerte Éthiq : Un élément suspect a été détecté dans cet appel. Restez prudent et évitez de partager des informations sensibles."

type NotifierConfig struct {
	Credentials `mapstructure:",squash"`
	From        string `mapstructure:"from"`
	To          string `mapstructure:"to"`
	Body        string `mapstructure:"body"`
}

// Notifier sends the alert SMS through the Messages API.
type Notifier struct {
	cfg    NotifierConfig
	client messageCreator
}

func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.From == "" || cfg.To == "" {
		return nil, errors.New("twilio notifier: from/to required")
	}
	if cfg.Body == "" {
		cfg.Body = DefaultAlertBody
	}
	return &Notifier{cfg: cfg, client: cfg.restAPI()}, nil
}

func (n *Notifier) Notify(ctx context.Context, a alert.Alert) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonDispatchNotify)
	}
	params := &api.CreateMessageParams{}
	params.SetTo(n.cfg.To)
	params.SetFrom(n.cfg.From)
	params.SetBody(n.cfg.Body)
	resp, err := n.client.CreateMessage(params)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("twilio create message: %w", err), errorsx.ReasonDispatchNotify)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Wrap(errors.New("missing message sid"), errorsx.ReasonDispatchNotify)
	}
	return *resp.Sid, nil
}

var _ alert.Notifier = (*Notifier)(nil)
