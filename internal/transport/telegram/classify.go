package telegram

import (
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "sismobot/internal/transport"
)

// classify wraps a Bot API error in a kit.SendError so callers can make
// retry decisions without knowing Telegram specifics.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.SendError{
			Kind:       kit.KindRateLimited,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}

	if isBlocked(err) {
		return &kit.SendError{Kind: kit.KindBlocked, Err: err}
	}
	if isBadMarkup(err) {
		return &kit.SendError{Kind: kit.KindBadMarkup, Err: err}
	}
	return &kit.SendError{Kind: kit.KindTransient, Err: err}
}

// isBlocked covers the "this chat will never work again" family: the user
// blocked the bot, deleted their account, or the chat is gone.
func isBlocked(err error) bool {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrChatNotFound):
		return true
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 403 {
			return true
		}
		desc := strings.ToLower(apiErr.Description)
		return strings.Contains(desc, "chat not found") ||
			strings.Contains(desc, "bot was kicked")
	}
	return false
}

func isBadMarkup(err error) bool {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return strings.Contains(strings.ToLower(apiErr.Description), "can't parse entities")
	}
	return strings.Contains(strings.ToLower(err.Error()), "can't parse entities")
}
