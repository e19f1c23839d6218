package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "tickbot/pkg/logx"
)

// maxMessageLen stays under Telegram's 4096-char text limit with headroom
// for entity expansion.
const maxMessageLen = 4000

type Config struct {
	Token string
	// RatePerSec caps outbound sends. Zero means the default of 1/s, which is
	// safe for a single destination chat.
	RatePerSec int
}

// Sender delivers job results to Telegram chats. Outbound only: the bot
// never polls for updates.
type Sender struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

func NewSender(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 1
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, err
	}

	return &Sender{
		bot: bot,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec),
		log:     log,
	}, nil
}

// Send posts text to the chat, splitting into multiple messages when it
// exceeds the Telegram length limit. Each chunk waits on the rate limiter
// and honors ctx.
func (s *Sender) Send(ctx context.Context, chatID int64, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	for i, chunk := range splitMessage(text, maxMessageLen) {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := s.bot.Send(tele.ChatID(chatID), chunk); err != nil {
			s.log.Warn("telegram send failed",
				logx.Int64("chat_id", chatID),
				logx.Int("chunk", i),
				logx.Err(err),
			)
			return err
		}
	}
	s.log.Debug("telegram message delivered", logx.Int64("chat_id", chatID), logx.Int("len", len(text)))
	return nil
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries and never splitting inside a UTF-8 sequence.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		if i := strings.LastIndexByte(text[:cut], '\n'); i > maxLen/2 {
			cut = i
		}
		// Back off a partial rune at the cut point.
		for cut > 0 && text[cut]&0xC0 == 0x80 {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
