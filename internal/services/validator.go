package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/studio-keygov-go/internal/metrics"
	"github.com/studio-keygov-go/internal/models"
	"go.uber.org/zap"
)

// CredentialValidator probes active credentials and deactivates the ones that
// keep failing. Primary pointers are left alone so a category keeps its primary.
type CredentialValidator struct {
	creds     CredentialStore
	pool      *WorkerPool
	log       *zap.SugaredLogger
	threshold int
	history   int
}

func NewCredentialValidator(creds CredentialStore, pool *WorkerPool, log *zap.SugaredLogger, threshold, history int) *CredentialValidator {
	if threshold <= 0 {
		threshold = 3
	}
	if history < threshold {
		history = threshold
	}
	return &CredentialValidator{
		creds:     creds,
		pool:      pool,
		log:       log,
		threshold: threshold,
		history:   history,
	}
}

// ValidateAll probes every active credential that has a base URL
func (v *CredentialValidator) ValidateAll(ctx context.Context) (*models.ValidationReport, error) {
	recs, err := v.creds.List(ctx)
	if err != nil {
		return nil, err
	}

	targets := make([]*models.APIKeyRecord, 0, len(recs))
	byID := make(map[string]*models.APIKeyRecord, len(recs))
	for _, rec := range recs {
		if rec.IsActive && rec.BaseURL != "" {
			targets = append(targets, rec)
			byID[rec.ID] = rec
		}
	}

	report := &models.ValidationReport{Deactivated: []string{}}
	for _, result := range v.pool.BatchProcess(ctx, targets) {
		rec := byID[result.ID]
		report.Checked++

		var failure string
		if result.Error == nil {
			report.Healthy++
		} else {
			report.Failed++
			failure = fmt.Sprintf("%s: %v", result.CheckedAt.UTC().Format(time.RFC3339), result.Error)
		}
		metrics.RecordValidation(rec.ServiceName, result.Error == nil)

		updated, err := v.creds.RecordValidation(ctx, rec.ID, result.CheckedAt, failure, v.history)
		if err != nil {
			v.log.Warnw("Failed to record validation", "service", rec.ServiceName, "error", err)
			continue
		}

		failures := len(updated.ValidationErrors)
		if failures >= v.threshold {
			if _, err := v.creds.SetActive(ctx, rec.ServiceName, rec.Category, false); err != nil {
				v.log.Warnw("Failed to deactivate credential", "service", rec.ServiceName, "error", err)
				continue
			}
			report.Deactivated = append(report.Deactivated, rec.ServiceName)
			v.log.Warnw("Credential deactivated after repeated validation failures",
				"service", rec.ServiceName,
				"category", rec.Category,
				"failures", failures,
			)
		}
	}

	v.log.Infow("Credential validation complete",
		"checked", report.Checked,
		"healthy", report.Healthy,
		"failed", report.Failed,
		"deactivated", len(report.Deactivated),
	)
	return report, nil
}

// StartSchedule runs ValidateAll on a cron schedule until the returned cron is stopped
func (v *CredentialValidator) StartSchedule(spec string, timeout time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := v.ValidateAll(ctx); err != nil {
			v.log.Errorw("Scheduled validation failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid validation schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
