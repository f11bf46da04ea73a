package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/studio-keygov-go/internal/metrics"
	"github.com/studio-keygov-go/internal/models"
	"github.com/studio-keygov-go/internal/storage"
	"github.com/studio-keygov-go/internal/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// GovernanceService is the single entry point for credential resolution,
// quota accounting and dashboard status. It holds no mutable state of its own.
type GovernanceService struct {
	creds       CredentialStore
	limits      RateLimitTracker
	ledger      storage.UsageLedger
	routes      RoutingTable
	log         *zap.SugaredLogger
	recentCalls int
}

// NewGovernanceService creates the facade and subscribes it to credential removals
func NewGovernanceService(creds CredentialStore, limits RateLimitTracker, ledger storage.UsageLedger,
	routes RoutingTable, log *zap.SugaredLogger, recentCalls int) *GovernanceService {
	if recentCalls <= 0 {
		recentCalls = 10
	}
	s := &GovernanceService{
		creds:       creds,
		limits:      limits,
		ledger:      ledger,
		routes:      routes,
		log:         log,
		recentCalls: recentCalls,
	}
	creds.OnRemoved(s.handleCredentialRemoved)
	return s
}

type candidateState int

const (
	candidateUnavailable candidateState = iota
	candidateExhausted
	candidateOK
)

// ResolveForCall decides which service a caller should use for functionName.
// Unconfigured and Exhausted are returned as states, not errors.
func (s *GovernanceService) ResolveForCall(ctx context.Context, functionName string) (*models.Resolution, error) {
	res := &models.Resolution{FunctionName: functionName}

	mapping, err := s.routes.Resolve(ctx, functionName)
	if errors.Is(err, storage.ErrNotFound) {
		res.State = models.Unconfigured
		res.Reason = "no function mapping"
		// unmapped names share one series
		metrics.RecordResolution(metrics.UnmappedFunction, string(res.State), false)
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	candidates := []string{mapping.PreferredService}
	if mapping.FallbackService != "" && mapping.FallbackService != mapping.PreferredService {
		candidates = append(candidates, mapping.FallbackService)
	}

	anyActive := false
	var skipped []string
	for i, svc := range candidates {
		state, rec, err := s.checkCandidate(ctx, svc)
		if err != nil {
			return nil, err
		}
		switch state {
		case candidateOK:
			res.State = models.Resolved
			res.Service = svc
			res.Category = rec.Category
			res.UsedFallback = i > 0
			if res.UsedFallback {
				res.Reason = strings.Join(skipped, "; ")
				s.log.Infow("Resolved via fallback",
					"function", functionName,
					"preferred", mapping.PreferredService,
					"fallback", svc,
					"reason", res.Reason,
				)
			}
			s.recordResolution(res)
			return res, nil
		case candidateExhausted:
			anyActive = true
			skipped = append(skipped, fmt.Sprintf("%s is over quota", svc))
		default:
			skipped = append(skipped, fmt.Sprintf("%s has no active credential", svc))
		}
	}

	res.State = models.Unconfigured
	if anyActive {
		res.State = models.Exhausted
	}
	res.Reason = strings.Join(skipped, "; ")
	s.log.Warnw("Function could not be resolved",
		"function", functionName,
		"state", res.State,
		"reason", res.Reason,
	)
	s.recordResolution(res)
	return res, nil
}

// ResolvePrimary picks the primary credential of category; it is the default
// a caller falls back to when a function has no mapping.
func (s *GovernanceService) ResolvePrimary(ctx context.Context, category string) (*models.Resolution, error) {
	res := &models.Resolution{Category: category}

	recs, err := s.creds.List(ctx)
	if err != nil {
		return nil, err
	}
	var primary *models.APIKeyRecord
	for _, rec := range recs {
		if rec.Category == category && rec.IsPrimary {
			primary = rec
			break
		}
	}
	if primary == nil || !primary.IsActive {
		res.State = models.Unconfigured
		res.Reason = "no active primary credential"
		return res, nil
	}

	exhausted, err := s.limits.IsExhausted(ctx, primary.ServiceName)
	if err != nil {
		return nil, err
	}
	if exhausted {
		res.State = models.Exhausted
		res.Reason = fmt.Sprintf("%s is over quota", primary.ServiceName)
		return res, nil
	}

	res.State = models.Resolved
	res.Service = primary.ServiceName
	return res, nil
}

// checkCandidate requires an active credential for svc and an unexhausted window
func (s *GovernanceService) checkCandidate(ctx context.Context, svc string) (candidateState, *models.APIKeyRecord, error) {
	recs, err := s.creds.FindByService(ctx, svc)
	if err != nil {
		return candidateUnavailable, nil, err
	}

	var active *models.APIKeyRecord
	for _, rec := range recs {
		if !rec.IsActive {
			continue
		}
		if active == nil || (rec.IsPrimary && !active.IsPrimary) {
			active = rec
		}
	}
	if active == nil {
		return candidateUnavailable, nil, nil
	}

	exhausted, err := s.limits.IsExhausted(ctx, svc)
	if err != nil {
		return candidateUnavailable, nil, err
	}
	if exhausted {
		return candidateExhausted, active, nil
	}
	return candidateOK, active, nil
}

func (s *GovernanceService) recordResolution(res *models.Resolution) {
	metrics.RecordResolution(res.FunctionName, string(res.State), res.UsedFallback)
}

// RecordOutcome logs a completed external call and consumes one unit of quota,
// whether or not the call succeeded. A failed ledger write is logged and dropped.
func (s *GovernanceService) RecordOutcome(ctx context.Context, o models.Outcome) error {
	o.ServiceName = strings.TrimSpace(o.ServiceName)
	if o.ServiceName == "" {
		return fmt.Errorf("%w: service name required", storage.ErrInvalidRecord)
	}
	if o.ResponseTimeMs < 0 {
		o.ResponseTimeMs = 0
	}

	entry := &models.UsageLogEntry{
		ServiceName:    o.ServiceName,
		Category:       o.Category,
		Success:        o.Success,
		ResponseTimeMs: o.ResponseTimeMs,
		ErrorMessage:   o.ErrorMessage,
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		metrics.RecordLedgerFailure()
		s.log.Warnw("Failed to append usage entry",
			"service", o.ServiceName,
			"error", err,
		)
	}

	used, err := s.limits.RecordUsage(ctx, o.ServiceName)
	if err != nil {
		return err
	}

	metrics.RecordOutcome(o.ServiceName, o.Success, o.ResponseTimeMs)
	if used >= 0 {
		s.log.Debugw("Usage recorded", "service", o.ServiceName, "requests_used", used)
	}
	return nil
}

// GetUsageStats recomputes the dashboard statistics from the stores
func (s *GovernanceService) GetUsageStats(ctx context.Context) (*models.UsageStats, error) {
	var (
		creds   []*models.APIKeyRecord
		entries []*models.UsageLogEntry
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		creds, err = s.creds.List(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		entries, err = s.ledger.All(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return AggregateUsage(creds, entries, s.recentCalls), nil
}

// ListByCategory returns the dashboard view of every credential
func (s *GovernanceService) ListByCategory(ctx context.Context) (map[string][]*models.APIKeyView, error) {
	recs, err := s.creds.List(ctx)
	if err != nil {
		return nil, err
	}

	grouped := storage.GroupByCategory(recs)
	out := make(map[string][]*models.APIKeyView, len(grouped))
	for category, list := range grouped {
		views := make([]*models.APIKeyView, len(list))
		for i, rec := range list {
			views[i] = toView(rec)
		}
		out[category] = views
	}
	return out, nil
}

func toView(rec *models.APIKeyRecord) *models.APIKeyView {
	view := &models.APIKeyView{
		ID:               rec.ID,
		ServiceName:      rec.ServiceName,
		Category:         rec.Category,
		BaseURL:          rec.BaseURL,
		IsConfigured:     rec.Key != "",
		IsActive:         rec.IsActive,
		IsPrimary:        rec.IsPrimary,
		LastValidated:    rec.LastValidated,
		ValidationErrors: rec.ValidationErrors,
	}
	if rec.Key != "" {
		view.Masked = utils.MaskKey(rec.Key)
	}
	if view.ValidationErrors == nil {
		view.ValidationErrors = []string{}
	}
	return view
}

// CreateKey registers a credential
func (s *GovernanceService) CreateKey(ctx context.Context, req models.CreateKeyRequest) (*models.APIKeyView, error) {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	rec, err := s.creds.Create(ctx, &models.APIKeyRecord{
		ServiceName: req.ServiceName,
		Category:    req.Category,
		BaseURL:     strings.TrimSpace(req.BaseURL),
		Key:         strings.TrimSpace(req.Key),
		IsActive:    active,
		IsPrimary:   req.IsPrimary,
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("Credential created",
		"id", rec.ID,
		"service", rec.ServiceName,
		"category", rec.Category,
		"primary", rec.IsPrimary,
	)
	return toView(rec), nil
}

// DeleteKey removes a credential by id
func (s *GovernanceService) DeleteKey(ctx context.Context, id string) error {
	if err := s.creds.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Infow("Credential deleted", "id", id)
	return nil
}

// SetActive enables or disables a credential
func (s *GovernanceService) SetActive(ctx context.Context, serviceName, category string, active bool) error {
	if _, err := s.creds.SetActive(ctx, serviceName, category, active); err != nil {
		return err
	}
	s.log.Infow("Credential active flag set",
		"service", serviceName,
		"category", category,
		"active", active,
	)
	return nil
}

// SetPrimary promotes a credential to primary of its category
func (s *GovernanceService) SetPrimary(ctx context.Context, serviceName, category string) error {
	if err := s.creds.SetPrimary(ctx, serviceName, category); err != nil {
		return err
	}
	s.log.Infow("Primary credential set", "service", serviceName, "category", category)
	return nil
}

// ResetRateLimit zeroes a window by id, or by service name when no id is given
func (s *GovernanceService) ResetRateLimit(ctx context.Context, rateLimitID, serviceName string) (*models.RateLimitWindow, error) {
	ref := strings.TrimSpace(rateLimitID)
	if ref == "" {
		ref = strings.TrimSpace(serviceName)
	}
	w, err := s.limits.Reset(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.log.Infow("Rate limit reset", "service", w.ServiceName, "window", w.ID)
	return w, nil
}

// UpsertRateLimit creates or adjusts a quota window
func (s *GovernanceService) UpsertRateLimit(ctx context.Context, serviceName string, limit int64, resetAt *time.Time) (*models.RateLimitWindow, error) {
	var at time.Time
	if resetAt != nil {
		at = *resetAt
	}
	w, err := s.limits.Upsert(ctx, serviceName, limit, at)
	if err != nil {
		return nil, err
	}
	s.log.Infow("Rate limit configured", "service", w.ServiceName, "limit", w.RequestLimit)
	return w, nil
}

// ListRateLimits returns every quota window
func (s *GovernanceService) ListRateLimits(ctx context.Context) ([]*models.RateLimitWindow, error) {
	return s.limits.List(ctx)
}

// UpsertFunctionMapping routes functionName to preferred, then fallback
func (s *GovernanceService) UpsertFunctionMapping(ctx context.Context, functionName, preferred, fallback string) (*models.FunctionMapping, error) {
	m, err := s.routes.Upsert(ctx, functionName, preferred, fallback)
	if err != nil {
		return nil, err
	}
	s.log.Infow("Function mapping saved",
		"function", m.FunctionName,
		"preferred", m.PreferredService,
		"fallback", m.FallbackService,
	)
	return m, nil
}

// ListFunctionMappings returns every function mapping
func (s *GovernanceService) ListFunctionMappings(ctx context.Context) ([]*models.FunctionMapping, error) {
	return s.routes.List(ctx)
}

// handleCredentialRemoved reports windows and mappings left orphaned by a
// deletion. They are kept; resolution treats orphaned targets as unconfigured.
func (s *GovernanceService) handleCredentialRemoved(rec models.APIKeyRecord) {
	s.routes.InvalidateAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remaining, err := s.creds.FindByService(ctx, rec.ServiceName)
	if err != nil || len(remaining) > 0 {
		return
	}

	if _, err := s.limits.Get(ctx, rec.ServiceName); err == nil {
		s.log.Warnw("Rate limit window orphaned by credential removal", "service", rec.ServiceName)
	}

	mappings, err := s.routes.List(ctx)
	if err != nil {
		return
	}
	for _, m := range mappings {
		if m.PreferredService == rec.ServiceName || m.FallbackService == rec.ServiceName {
			s.log.Warnw("Function mapping references removed credential",
				"function", m.FunctionName,
				"service", rec.ServiceName,
			)
		}
	}
}
