package bot

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"signal-stack/internal/domain"
	"signal-stack/internal/service"

	tele "gopkg.in/telebot.v3"
)

// DecisionReader is the read-only slice of the ensemble service the bot uses.
type DecisionReader interface {
	LatestDecision(ctx context.Context, symbol string) (*domain.TradingDecision, error)
	Status(ctx context.Context) service.Status
}

// Asker answers free-form questions about recent decisions.
type Asker interface {
	Ask(ctx context.Context, chatID int64, message string) (string, error)
}

func StartTelegramBot(decisions DecisionReader, asker Asker) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		log.Println("TELEGRAM_BOT_TOKEN not set, skipping Telegram bot startup")
		return
	}
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}
	b, err := tele.NewBot(pref)
	if err != nil {
		log.Fatalf("failed to create Telegram bot: %v", err)
	}

	b.Handle("/ping", func(c tele.Context) error {
		return c.Send("pong")
	})

	b.Handle("/decision", func(c tele.Context) error {
		args := c.Args()
		if len(args) == 0 {
			return c.Send("Usage: /decision BTCUSDT")
		}
		symbol := strings.ToUpper(args[0])
		decision, err := decisions.LatestDecision(context.Background(), symbol)
		if err != nil {
			return c.Send(fmt.Sprintf("Error fetching decision for %s: %v", symbol, err))
		}
		if decision == nil {
			return c.Send(fmt.Sprintf("No decision recorded for %s yet", symbol))
		}
		return c.Send(formatDecision(decision))
	})

	b.Handle("/status", func(c tele.Context) error {
		status := decisions.Status(context.Background())
		return c.Send(formatStatus(status))
	})

	b.Handle("/ask", func(c tele.Context) error {
		if asker == nil {
			return c.Send("Advisor is not configured")
		}
		question := strings.TrimSpace(c.Message().Payload)
		if question == "" {
			return c.Send("Usage: /ask why is BTCUSDT flat?")
		}
		answer, err := asker.Ask(context.Background(), c.Chat().ID, question)
		if err != nil {
			return c.Send(fmt.Sprintf("Advisor error: %v", err))
		}
		return c.Send(answer)
	})

	log.Println("Telegram bot started")
	go b.Start()
}

func formatDecision(d *domain.TradingDecision) string {
	direction := "DOWN/FLAT"
	if d.PredictedClass == 1 {
		direction = "UP"
	}
	lines := []string{
		fmt.Sprintf("%s: %s", d.Symbol, direction),
		fmt.Sprintf("P(up): %.1f%%  (threshold %.2f)", d.ProbUp*100, d.DynamicThreshold),
		fmt.Sprintf("Confidence: %.0f%%", d.Confidence*100),
		fmt.Sprintf("Regime: %s", d.Regime),
		fmt.Sprintf("Position: %.1f%% of capital", d.PositionSize*100),
	}
	if d.Mode == domain.ModeFallback {
		lines = append(lines, "⚠ served from fallback")
	}
	return strings.Join(lines, "\n")
}

func formatStatus(s service.Status) string {
	return fmt.Sprintf("Ensemble: %s\nServing version: %d\nRecent fallback rate: %.1f%%",
		s.State, s.ModelVersion, s.FallbackRate*100)
}
