package twilio

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/ethiq/callguard/pkg/alert"
	"github.com/ethiq/callguard/pkg/errorsx"
)

const (
	DefaultAnnounceMessage = "Attention, please verify the identity of the person."
	// DefaultAnnounceURL is a twimlets message URL; {message} is query-escaped.
	DefaultAnnounceURL = "http://twimlets.com/message?Message={message}&Voice=female&Language=fr-FR"
)

type AnnouncerConfig struct {
	Credentials `mapstructure:",squash"`
	Message     string `mapstructure:"announce_message"`
	URLTemplate string `mapstructure:"announce_url"`
	// FallbackFirstInProgress targets the first live conference when none matches the call key.
	FallbackFirstInProgress bool `mapstructure:"fallback_first_in_progress"`
	ListLimit               int  `mapstructure:"list_limit"`
}

// Announcer plays the warning into the live conference named after the call key.
type Announcer struct {
	cfg    AnnouncerConfig
	client conferenceClient
}

func NewAnnouncer(cfg AnnouncerConfig) (*Announcer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newAnnouncer(cfg, cfg.restAPI()), nil
}

func newAnnouncer(cfg AnnouncerConfig, client conferenceClient) *Announcer {
	if cfg.Message == "" {
		cfg.Message = DefaultAnnounceMessage
	}
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultAnnounceURL
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 20
	}
	return &Announcer{cfg: cfg, client: client}
}

// AnnounceURL renders the announcement URL for the configured message.
func (a *Announcer) AnnounceURL() string {
	return strings.ReplaceAll(a.cfg.URLTemplate, "{message}", url.QueryEscape(a.cfg.Message))
}

func (a *Announcer) Announce(ctx context.Context, al alert.Alert) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonDispatchAnnounce)
	}
	params := &api.ListConferenceParams{}
	params.SetStatus("in-progress")
	params.SetLimit(a.cfg.ListLimit)
	if !a.cfg.FallbackFirstInProgress && al.CallKey != "" {
		params.SetFriendlyName(al.CallKey)
	}
	conferences, err := a.client.ListConference(params)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("twilio list conferences: %w", err), errorsx.ReasonDispatchAnnounce)
	}
	sid := a.pick(conferences, al.CallKey)
	if sid == "" {
		return "", errorsx.Wrap(fmt.Errorf("%w: %q", alert.ErrNoActiveConference, al.CallKey), errorsx.ReasonNoConference)
	}

	update := &api.UpdateConferenceParams{}
	update.SetAnnounceUrl(a.AnnounceURL())
	if _, err := a.client.UpdateConference(sid, update); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("twilio update conference %s: %w", sid, err), errorsx.ReasonDispatchAnnounce)
	}
	return sid, nil
}

func (a *Announcer) pick(conferences []api.ApiV2010Conference, callKey string) string {
	for _, c := range conferences {
		if c.Sid == nil || c.FriendlyName == nil {
			continue
		}
		if *c.FriendlyName == callKey {
			return *c.Sid
		}
	}
	if a.cfg.FallbackFirstInProgress {
		for _, c := range conferences {
			if c.Sid != nil {
				return *c.Sid
			}
		}
	}
	return ""
}

var _ alert.Announcer = (*Announcer)(nil)
