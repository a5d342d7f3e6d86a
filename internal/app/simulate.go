package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"oracle-index/internal/alerting"
	"oracle-index/internal/storage"
)

// SimulateAlert pushes a synthetic critical issue through the configured
// alert channel to verify the wiring end to end.
func (a *App) SimulateAlert(ctx context.Context, assetID, issueType string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	details, _ := json.Marshal(map[string]interface{}{
		"simulated": true,
	})

	alert := alerting.IssueAlert{
		EncodedAssetID: assetID,
		IssueType:      issueType,
		Severity:       storage.SeverityCritical,
		BlockNumber:    0,
		DetectedAt:     time.Now().UTC(),
		Details:        details,
	}

	return notifier.Notify(ctx, alert)
}
