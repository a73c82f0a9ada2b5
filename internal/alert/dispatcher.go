package alert

import (
	"context"

	"go.uber.org/zap"

	"github.com/sentinelai/sentinel/internal/pipeline"
	"github.com/sentinelai/sentinel/internal/risk"
)

// Outcome summarizes one dispatch decision.
type Outcome struct {
	Alerted   bool
	Delivered bool
	Reason    string
	RiskLevel risk.Level
}

// Dispatcher gates pipeline results against the configured minimum risk
// level and hands qualifying ones to the webhook client.
type Dispatcher struct {
	webhook  *WebhookClient
	minLevel risk.Level
	log      *zap.Logger
}

// NewDispatcher builds a dispatcher with the given threshold.
func NewDispatcher(webhook *WebhookClient, minLevel risk.Level, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		webhook:  webhook,
		minLevel: minLevel,
		log:      log.Named("alerts"),
	}
}

// MaybeAlert applies the threshold gate and dispatches when the run's risk
// level meets the configured minimum. Never returns an error; delivery
// failures are best-effort by contract.
func (d *Dispatcher) MaybeAlert(ctx context.Context, res *pipeline.Result) Outcome {
	level := res.Risk.RiskLevel

	if level.Rank() < d.minLevel.Rank() {
		return Outcome{
			Alerted:   false,
			Reason:    "risk level below alert threshold",
			RiskLevel: level,
		}
	}

	if !d.webhook.Available() {
		return Outcome{
			Alerted:   true,
			Delivered: false,
			Reason:    "webhook not configured",
			RiskLevel: level,
		}
	}

	delivered := d.webhook.Send(ctx, BuildPayload(res))
	if delivered {
		d.log.Info("alert dispatched",
			zap.String("endpoint", res.EndpointName),
			zap.String("risk_level", string(level)))
	}

	return Outcome{
		Alerted:   true,
		Delivered: delivered,
		RiskLevel: level,
	}
}
