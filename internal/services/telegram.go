package services

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"finansist-tg-app/internal/ledger"
)

// telegramAPI is the slice of tgbotapi.BotAPI the bot uses; tests substitute
// a fake.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
}

// Bot is the messaging front-end: a thin adapter over the ledger with no
// business logic of its own.
type Bot struct {
	api        telegramAPI
	ledger     *ledger.Ledger
	miniAppURL string
	adminIDs   []int64
}

func NewBot(token string, l *ledger.Ledger, miniAppURL string, adminIDs []int64) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	log.WithField("account", api.Self.UserName).Info("bot authorized")

	return &Bot{api: api, ledger: l, miniAppURL: miniAppURL, adminIDs: adminIDs}, nil
}

// Start launches the update listener in the background.
func (b *Bot) Start() {
	go b.listenForUpdates()
}

func (b *Bot) listenForUpdates() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	for update := range b.api.GetUpdatesChan(u) {
		switch {
		case update.CallbackQuery != nil:
			b.handleCallback(update.CallbackQuery)
		case update.Message != nil && update.Message.IsCommand():
			b.handleCommand(update.Message)
		}
	}
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	ctx := context.Background()

	switch msg.Command() {
	case "start":
		_, err := b.ledger.GetOrCreateUser(ctx, msg.From.ID, msg.From.UserName, msg.From.FirstName)
		if err != nil {
			log.WithError(err).Error("start: user resolution failed")
			return
		}

		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonURL("🎓 Открыть каталог", b.miniAppURL),
			),
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("🎲 Участвовать в розыгрыше", "join_raffle"),
			),
		)

		reply := tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf(
			"Привет, %s! 👋\n\n"+
				"Я AI-Финансист — твой помощник в мире финансовой грамотности.\n\n"+
				"📜 Покупай сертификаты на консультации с AI\n"+
				"🎁 Участвуй в бесплатных розыгрышах\n"+
				"💡 Получай персональные финансовые советы",
			msg.From.FirstName))
		reply.ReplyMarkup = keyboard
		b.send(reply)

	case "catalog":
		certs, err := b.ledger.ListActiveCertificates(ctx)
		if err != nil {
			log.WithError(err).Error("catalog: list failed")
			return
		}
		if len(certs) == 0 {
			b.send(tgbotapi.NewMessage(msg.Chat.ID, "Пока нет доступных сертификатов"))
			return
		}

		text := "📜 *Доступные сертификаты:*\n\n"
		for _, cert := range certs {
			text += fmt.Sprintf("*%s*\n%s\n💰 Цена: %d₽\n\n", cert.Title, cert.Description, cert.Price)
		}

		reply := tgbotapi.NewMessage(msg.Chat.ID, text)
		reply.ParseMode = tgbotapi.ModeMarkdown
		reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonURL("🛒 Открыть каталог", b.miniAppURL),
			),
		)
		b.send(reply)
	}
}

func (b *Bot) handleCallback(cb *tgbotapi.CallbackQuery) {
	if cb.Data != "join_raffle" {
		return
	}
	ctx := context.Background()

	user, err := b.ledger.GetOrCreateUser(ctx, cb.From.ID, cb.From.UserName, cb.From.FirstName)
	if err != nil {
		log.WithError(err).Error("join_raffle: user resolution failed")
		b.answerCallback(cb.ID, "Ошибка, попробуйте позже")
		return
	}

	raffles, err := b.ledger.ListActiveRaffles(ctx)
	if err != nil || len(raffles) == 0 {
		b.answerCallback(cb.ID, "Сейчас нет активных розыгрышей")
		return
	}

	// Soonest-ending raffle
	raffle := raffles[0]
	count, err := b.ledger.JoinRaffle(ctx, user.ID, raffle.ID)
	switch {
	case errors.Is(err, ledger.ErrConflict):
		b.answerCallback(cb.ID, "Вы уже участвуете в этом розыгрыше")
	case errors.Is(err, ledger.ErrInvalidState):
		b.answerCallback(cb.ID, "Розыгрыш уже завершён")
	case err != nil:
		log.WithError(err).Error("join_raffle failed")
		b.answerCallback(cb.ID, "Ошибка, попробуйте позже")
	default:
		b.answerCallback(cb.ID, "Вы участвуете в розыгрыше!")
		// Message is nil for callbacks from inline mode or messages too
		// old for Telegram to reference; the toast above is all we can send.
		if cb.Message != nil {
			b.send(tgbotapi.NewMessage(cb.Message.Chat.ID, fmt.Sprintf(
				"🎲 Вы участвуете в розыгрыше «%s»!\nУчастников: %d", raffle.Title, count)))
		}
	}
}

func (b *Bot) answerCallback(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		log.WithError(err).Warn("answer callback failed")
	}
}

func (b *Bot) send(msg tgbotapi.MessageConfig) {
	if _, err := b.api.Send(msg); err != nil {
		log.WithError(err).Warn("send failed")
	}
}

// NotifyAdmins fans a message out to the configured admin chats.
func (b *Bot) NotifyAdmins(text string) {
	for _, id := range b.adminIDs {
		b.send(tgbotapi.NewMessage(id, text))
	}
}

// NotifyWinner tells a raffle winner they won.
func (b *Bot) NotifyWinner(telegramID int64, raffleTitle string) {
	msg := tgbotapi.NewMessage(telegramID, fmt.Sprintf(
		"🎉 Поздравляем! Вы выиграли в розыгрыше «%s»!\nМы свяжемся с вами для вручения сертификата.", raffleTitle))
	b.send(msg)
}
