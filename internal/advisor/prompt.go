package advisor

import (
	"fmt"
	"strings"
	"time"

	"signal-stack/internal/domain"
	"signal-stack/internal/service"
)

const explainerRole = `You are the explainer bot for an ensemble trading-signal service. Your role is to interpret decisions the ensemble has already made, NOT to generate trade ideas yourself.

How to read a decision:
- prob_up is the combined class-1 probability from several base models.
- The dynamic threshold moves with volatility; prob_up must clear it for an UP call.
- Confidence mixes prediction certainty, cross-model agreement and market-context trust. Below 0.4 treat the decision as weak.
- position_size is a fraction of capital, already regime-adjusted and capped.
- mode "fallback" means the decision is a pinned neutral placeholder, not a real prediction. Say so explicitly.

Rules:
- Always reference the concrete numbers from the decision data below.
- Never fabricate data. If no decision exists for an asset, say so honestly.
- Mention the market regime when it is not "normal".
- Keep responses concise. You are talking via Telegram.
- Do not provide financial advice disclaimers on every message. The user understands this is informational.`

func BuildSystemPrompt(decisionContext string) string {
	var sb strings.Builder
	sb.WriteString(explainerRole)
	sb.WriteString("\n\n--- LIVE DECISION DATA (as of ")
	sb.WriteString(time.Now().UTC().Format(time.RFC822))
	sb.WriteString(") ---\n")
	sb.WriteString(decisionContext)
	return sb.String()
}

func FormatDecisionContext(status service.Status, decisions []*domain.TradingDecision) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Service state: %s (serving version %d, recent fallback rate %.0f%%)\n",
		status.State, status.ModelVersion, status.FallbackRate*100))

	if len(decisions) == 0 {
		sb.WriteString("No recent decisions for the mentioned assets.\n")
		return sb.String()
	}

	sb.WriteString("\nLatest decisions:\n")
	for _, d := range decisions {
		direction := "DOWN/FLAT"
		if d.PredictedClass == 1 {
			direction = "UP"
		}
		sb.WriteString(fmt.Sprintf("  %s: %s prob_up=%.2f threshold=%.2f confidence=%.2f regime=%s position=%.1f%% mode=%s\n",
			d.Symbol, direction, d.ProbUp, d.DynamicThreshold, d.Confidence, d.Regime, d.PositionSize*100, d.Mode))
	}
	return sb.String()
}
