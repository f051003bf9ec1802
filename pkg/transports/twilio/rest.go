package twilio

import (
	"errors"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

type conferenceClient interface {
	ListConference(params *api.ListConferenceParams) ([]api.ApiV2010Conference, error)
	UpdateConference(sid string, params *api.UpdateConferenceParams) (*api.ApiV2010Conference, error)
}

// Credentials identify the Twilio account used for REST calls.
type Credentials struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
}

func (c Credentials) validate() error {
	if c.AccountSID == "" || c.AuthToken == "" {
		return errors.New("missing twilio credentials")
	}
	return nil
}

func (c Credentials) restAPI() *api.ApiService {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: c.AccountSID,
		Password: c.AuthToken,
	})
	return rest.Api
}
