// Package twilio wraps the provider REST API for out-of-band call control.
package twilio

import (
	"fmt"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/voximind/voice-gateway/pkg/logger"
)

// CallControl hangs up phone calls through the provider REST API. Closing
// the media websocket alone leaves the phone leg ringing until the provider
// times it out; completing the call over REST ends it immediately.
type CallControl struct {
	client  *twilio.RestClient
	enabled bool
}

// NewCallControl creates the service. With empty credentials it is disabled
// and Hangup becomes a no-op.
func NewCallControl(accountSID, authToken string) *CallControl {
	if accountSID == "" || authToken == "" {
		logger.Base().Warn("Twilio credentials not provided, REST call control disabled")
		return &CallControl{enabled: false}
	}
	return &CallControl{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		enabled: true,
	}
}

// Hangup completes the phone leg of a call.
func (c *CallControl) Hangup(callSid string) error {
	if !c.enabled {
		return nil
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.client.Api.UpdateCall(callSid, params); err != nil {
		return fmt.Errorf("failed to complete call %s: %w", callSid, err)
	}
	logger.Base().Info("call completed via REST", zap.String("call_sid", callSid))
	return nil
}
