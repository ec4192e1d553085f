package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/amirphl/poly-trader/internal/utils"
)

type TelegramNotifier struct {
	Token  string
	ChatID string
	// APIBase overrides the Telegram API host, for tests.
	APIBase string
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{Token: token, ChatID: chatID}
}

func (t *TelegramNotifier) endpoint() string {
	base := t.APIBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	return fmt.Sprintf("%s/bot%s/sendMessage", base, t.Token)
}

func (t *TelegramNotifier) Send(message string) error {
	resp, err := http.PostForm(t.endpoint(), url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

func (t *TelegramNotifier) SendWithRetry(message string) error {
	var err error
	delay := time.Second
	for attempt := 1; attempt <= 3; attempt++ {
		if err = t.Send(message); err == nil {
			return nil
		}
		utils.GetLogger().Printf("Notifier | Telegram send failed (attempt %d/3): %v", attempt, err)
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

func (t *TelegramNotifier) RetryWithNotification(action func() error, description string) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = action(); err == nil {
			return nil
		}
		time.Sleep(time.Second)
	}
	if nerr := t.SendWithRetry(fmt.Sprintf("%s failed after retries: %v", description, err)); nerr != nil {
		utils.GetLogger().Printf("Notifier | Failure notification failed: %v", nerr)
	}
	return err
}
