package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"
)

const (
	AlertNotification = 0
	InfoNotification  = 1
)

type SlackRequestBody struct {
	Text string `json:"text"`
}

// SendSlackNotification posts to an 'Incoming Webhook' url set up in Slack Apps.
// Alerts go to the operator channel behind ALERT_WEBHOOK_URL, informational
// messages to INFO_WEBHOOK_URL. A missing url silently drops the message so
// that alerting never blocks a fund movement.
func SendSlackNotification(msg string, notiType int) error {
	var webhookURL string
	if notiType == AlertNotification {
		webhookURL = os.Getenv("ALERT_WEBHOOK_URL")
	} else if notiType == InfoNotification {
		webhookURL = os.Getenv("INFO_WEBHOOK_URL")
	} else {
		return errors.New("Notification type is not supported")
	}
	if webhookURL == "" {
		return nil
	}

	slackBody, _ := json.Marshal(SlackRequestBody{Text: msg})
	req, err := http.NewRequest(http.MethodPost, webhookURL, bytes.NewBuffer(slackBody))
	if err != nil {
		return err
	}

	req.Header.Add("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if buf.String() != "ok" {
		return errors.New("Non-ok response returned from Slack")
	}
	return nil
}
