package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/anchor"
	"github.com/atlascodex/atlas/internal/augment"
	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/contract"
	"github.com/atlascodex/atlas/internal/deterministic"
	"github.com/atlascodex/atlas/internal/execute"
	"github.com/atlascodex/atlas/internal/fetch"
	"github.com/atlascodex/atlas/internal/interfaces"
	"github.com/atlascodex/atlas/internal/llm"
	"github.com/atlascodex/atlas/internal/models"
	"github.com/atlascodex/atlas/internal/negotiate"
	"github.com/atlascodex/atlas/internal/storage"
)

// Manager orchestrates one extraction job end to end: acquire, anchor,
// contract, two-track extraction, negotiation, execution, finalization.
// Every state change lands in job storage and every stage emits telemetry.
type Manager struct {
	config        *common.Config
	storage       interfaces.StorageManager
	cache         *storage.Cache
	fetcher       *fetch.Chain
	client        *llm.Client
	events        interfaces.EventService
	generator     *contract.Generator
	deterministic *deterministic.Track
	augmenter     *augment.Track
	negotiator    *negotiate.Negotiator
	executor      *execute.Executor
	validate      *validator.Validate
	logger        arbor.ILogger
}

// NewManager wires the pipeline stages together.
//
// Parameters:
//   - config: application configuration
//   - storageManager: job/artifact/evidence/kv stores
//   - cache: content/contract/result caches
//   - fetcher: acquisition chain executor
//   - client: budgeted model client; nil runs the pipeline deterministic-only
//   - eventService: telemetry sink
//   - logger: structured logger
//
// Returns:
//   - *Manager: ready pipeline manager
func NewManager(
	config *common.Config,
	storageManager interfaces.StorageManager,
	cache *storage.Cache,
	fetcher *fetch.Chain,
	client *llm.Client,
	eventService interfaces.EventService,
	logger arbor.ILogger,
) *Manager {
	return &Manager{
		config:        config,
		storage:       storageManager,
		cache:         cache,
		fetcher:       fetcher,
		client:        client,
		events:        eventService,
		generator:     contract.NewGenerator(client, config, logger),
		deterministic: deterministic.NewTrack(logger),
		augmenter:     augment.NewTrack(client, &config.Pipeline, logger),
		negotiator:    negotiate.NewNegotiator(logger),
		executor:      execute.NewExecutor(client, config, logger),
		validate:      validator.New(),
		logger:        logger,
	}
}

// Run executes one extraction request to completion. The returned response
// always carries a status; errors are reserved for infrastructure failures
// that prevented producing a response at all.
func (m *Manager) Run(ctx context.Context, req *models.Request) (*models.Response, error) {
	correlationID := common.NewCorrelationID()

	if err := m.validate.Struct(req); err != nil {
		pe := models.NewPipelineError(models.ErrValidationFail, "ingress", correlationID, err.Error())
		return failureResponse(correlationID, pe), nil
	}

	if req.Budget != nil && req.Budget.TimeMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Budget.TimeMS)*time.Millisecond)
		defer cancel()
	}

	job := models.NewJob(common.NewJobID(), correlationID, models.JobInput{
		URL:      req.URL,
		Query:    req.Query,
		Mode:     req.Mode,
		MaxPages: req.MaxPages,
		Options:  req.Options,
	}, m.config.Pipeline.JobLogCapacity)
	if err := m.saveTransition(ctx, job, models.JobStatusQueued, ""); err != nil {
		return nil, err
	}

	response, err := m.execute(ctx, job, req, correlationID)
	if err != nil {
		return nil, err
	}

	m.emit(ctx, models.EventJobCompleted, correlationID, map[string]interface{}{
		"job_id": job.ID,
		"status": response.Status,
	})
	return response, nil
}

// execute runs the pipeline stages against a queued job
func (m *Manager) execute(ctx context.Context, job *models.Job, req *models.Request, correlationID string) (*models.Response, error) {
	// Acquire
	if err := m.saveTransition(ctx, job, models.JobStatusAcquiring, ""); err != nil {
		return nil, err
	}
	fetchStart := time.Now()
	fetched, err := m.fetcher.Fetch(ctx, req.URL, req.Options.ChainType, correlationID)
	job.RecordTiming("acquire", time.Since(fetchStart))
	if err != nil {
		return m.fail(ctx, job, asPipelineError(err, "acquire", correlationID)), nil
	}

	// Anchor
	if err := m.saveTransition(ctx, job, models.JobStatusAnchoring, ""); err != nil {
		return nil, err
	}
	anchorStart := time.Now()
	contentHash, normalized, err := anchor.ContentHash(fetched.HTML)
	if err != nil {
		return m.fail(ctx, job, models.NewPipelineError(models.ErrValidationFail, "anchor", correlationID, err.Error())), nil
	}
	job.ContentHash = contentHash

	if digest, ok := m.cache.GetContent(contentHash); ok {
		normalized = digest.NormalizedHTML
	}
	idx, err := anchor.Build(normalized, m.logger)
	if err != nil {
		return m.fail(ctx, job, models.NewPipelineError(models.ErrValidationFail, "anchor", correlationID, err.Error())), nil
	}
	if err := m.cache.PutContent(contentHash, &storage.ContentDigest{
		NormalizedHTML: normalized,
		AnchorCount:    idx.Size(),
		BlockCount:     len(idx.Blocks()),
	}); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to cache content digest")
	}
	job.RecordTiming("anchor", time.Since(anchorStart))

	// Contract
	if err := m.saveTransition(ctx, job, models.JobStatusContracting, ""); err != nil {
		return nil, err
	}
	queryHash := models.HashText(req.Query)
	ct, defaulted, err := m.resolveContract(ctx, idx, req.Query, queryHash, contentHash, correlationID, &job.Cost)
	if err != nil {
		return m.fail(ctx, job, asPipelineError(err, "contract", correlationID)), nil
	}
	job.ContractID = ct.ContractID
	if req.Mode != "" {
		ct.Mode = req.Mode
	}
	job.Mode = ct.Mode

	m.emit(ctx, models.EventContractGenerated, correlationID, map[string]interface{}{
		"contract_id": ct.ContractID,
		"defaulted":   defaulted,
		"mode":        string(ct.Mode),
	})

	// Idempotency: an equal key with a cached result replays it verbatim
	job.IdempotencyKey = models.IdempotencyKey(req.URL, req.Query, contentHash, ct.ContractID)
	if cached, ok := m.cache.GetResult(job.IdempotencyKey); ok {
		m.emit(ctx, models.EventCacheHit, correlationID, map[string]interface{}{"kind": "result"})
		replay := *cached
		replay.Metadata.CacheHit = true
		replay.Metadata.CorrelationID = correlationID
		if err := m.finish(ctx, job, models.JobStatusSuccess, "cache_hit"); err != nil {
			return nil, err
		}
		return &replay, nil
	}

	// Two-track extraction
	if err := m.saveTransition(ctx, job, models.JobStatusTwoTrack, ""); err != nil {
		return nil, err
	}
	trackStart := time.Now()
	findings := m.deterministic.Run(idx, ct)
	m.emit(ctx, models.EventDeterministicPass, correlationID, map[string]interface{}{
		"hits":       len(findings.Hits),
		"misses":     len(findings.Misses),
		"candidates": len(findings.Candidates),
	})

	var augmented *models.AugmentationResult
	if m.client != nil && !defaulted {
		if tokenBudgetExhausted(req, job.Cost) {
			m.logger.Info().
				Str("correlation_id", correlationID).
				Int("tokens_spent", job.Cost.TokensIn+job.Cost.TokensOut).
				Msg("Job token budget exhausted, skipping augmentation")
		} else {
			var cost models.Cost
			augmented, cost = m.augmenter.Run(ctx, idx, ct, findings, req.Query, correlationID)
			job.Cost.Add(cost)
			m.emit(ctx, models.EventLLMAugmentation, correlationID, map[string]interface{}{
				"completions": augmentedCompletions(augmented),
				"proposals":   augmentedProposals(augmented),
			})
		}
	}
	job.RecordTiming("two_track", time.Since(trackStart))

	// Negotiate
	if err := m.saveTransition(ctx, job, models.JobStatusNegotiating, ""); err != nil {
		return nil, err
	}
	negotiation := m.negotiator.Negotiate(idx, ct, findings, augmented)
	m.emit(ctx, models.EventContractValidation, correlationID, map[string]interface{}{
		"status":  negotiation.Status,
		"pruned":  negotiation.Changes.Pruned,
		"added":   negotiation.Changes.Added,
		"demoted": negotiation.Changes.Demoted,
	})
	if negotiation.Status == models.NegotiationError {
		pe := models.NewPipelineError(models.ErrValidationFail, "negotiate", correlationID, negotiation.Reason)
		return m.fail(ctx, job, pe), nil
	}

	// Extract
	if err := m.saveTransition(ctx, job, models.JobStatusExtracting, ""); err != nil {
		return nil, err
	}
	result, fallbackUsed, err := m.executor.Execute(ctx, idx, ct, negotiation.FinalSchema, findings, augmented, req.Options.AllowedPII, !tokenBudgetExhausted(req, job.Cost), correlationID)
	if err != nil {
		return m.fail(ctx, job, asPipelineError(err, "execute", correlationID)), nil
	}
	job.Cost.Add(result.Cost)
	for stage, d := range result.Timings {
		job.RecordTiming(stage, d)
	}
	if fallbackUsed {
		m.emit(ctx, models.EventFallbackTaken, correlationID, map[string]interface{}{"kind": "model_extraction"})
	}

	// Pagination: the contract is derived once from the first page and
	// shared; each followup page gets its own anchor index and negotiation
	// pass, and entities concatenate in page order. A page failure ends
	// pagination with what was collected, marked partial.
	partial := fetched.Partial
	pageDoc := idx.Doc()
	pageURL := req.URL
	for page := 2; page <= req.MaxPages; page++ {
		next := nextPageURL(pageDoc, pageURL)
		if next == "" {
			break
		}
		followup, perr := m.runFollowupPage(ctx, job, req, ct, next, correlationID)
		if perr != nil {
			m.logger.Warn().Err(perr).Str("url", next).Int("page", page).Msg("Pagination stopped early")
			partial = true
			break
		}
		mergeResults(result, followup.result)
		fallbackUsed = fallbackUsed || followup.fallback
		pageDoc = followup.doc
		pageURL = next
	}

	// Soft mode re-checks required-field support over the final entities and
	// demotes sparse required fields in the echoed schema
	finalSchema := negotiation.FinalSchema
	if ct.Mode == models.ModeSoft {
		var demoted []string
		finalSchema, demoted = execute.DemoteSparseRequired(finalSchema, result.Data)
		if len(demoted) > 0 {
			result.FieldsOmitted = mergeFieldNames(result.FieldsOmitted, demoted)
			m.logger.Debug().
				Str("correlation_id", correlationID).
				Strs("fields", demoted).
				Msg("Demoted sparse required fields in soft mode")
		}
	}

	// Finalize
	if err := m.saveTransition(ctx, job, models.JobStatusFinalizing, ""); err != nil {
		return nil, err
	}
	if len(result.Evidence) > 0 {
		if err := m.storage.EvidenceStorage().SaveEvidence(ctx, contentHash, result.Evidence); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to persist evidence records")
		}
	}
	if m.client != nil && m.client.Auditor() != nil {
		if err := m.client.Auditor().Flush(ctx, job.ID, correlationID); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to flush model audit records")
		}
	}

	response := m.buildResponse(job, ct, negotiation, finalSchema, result, partial, fallbackUsed, defaulted)
	if err := m.cache.PutResult(job.IdempotencyKey, response); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to cache result")
	}

	terminal := models.JobStatusSuccess
	if response.Status == models.StatusAbstained {
		terminal = models.JobStatusAbstained
	}
	if err := m.finish(ctx, job, terminal, ""); err != nil {
		return nil, err
	}
	return response, nil
}

// resolveContract finds or generates the contract for a query/content pair.
// Fresh abstention markers skip the model entirely.
func (m *Manager) resolveContract(ctx context.Context, idx *anchor.Index, query, queryHash, contentHash, correlationID string, cost *models.Cost) (*models.SchemaContract, bool, error) {
	if m.cache.IsAbstained(queryHash, contentHash) {
		m.emit(ctx, models.EventCacheHit, correlationID, map[string]interface{}{"kind": "abstention"})
		ct, err := m.generator.Default(query)
		return ct, true, err
	}
	if cached, ok := m.cache.GetContract(queryHash, contentHash); ok {
		m.emit(ctx, models.EventCacheHit, correlationID, map[string]interface{}{"kind": "contract"})
		return cached, false, nil
	}

	ct, defaulted, genCost, err := m.generator.Generate(ctx, idx, query, correlationID)
	cost.Add(genCost)
	if err != nil {
		return nil, false, err
	}

	if defaulted {
		if err := m.cache.PutAbstention(queryHash, contentHash); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to cache abstention marker")
		}
	} else {
		if err := m.cache.PutContract(queryHash, contentHash, ct); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to cache contract")
		}
	}
	return ct, defaulted, nil
}

// buildResponse assembles the egress shape from the run's artifacts
func (m *Manager) buildResponse(
	job *models.Job,
	ct *models.SchemaContract,
	negotiation *models.NegotiationResult,
	finalSchema []models.FieldSpec,
	result *models.ExtractionResult,
	partial, fallbackUsed, defaulted bool,
) *models.Response {
	var promoted []models.PromotedField
	for _, name := range negotiation.Changes.Added {
		promoted = append(promoted, models.PromotedField{
			Name:     name,
			Entities: negotiation.EvidenceSummary.FieldCoverage[name],
			Blocks:   negotiation.EvidenceSummary.FieldCoverage[name],
			Promoted: true,
		})
	}

	status := models.StatusSuccess
	reason := ""
	if defaulted && len(result.Data) == 0 {
		status = models.StatusAbstained
		reason = "contract generation abstained and deterministic extraction found nothing"
	}

	return &models.Response{
		ContractID:   ct.ContractID,
		Mode:         ct.Mode,
		OutputSchema: models.OutputSchema(finalSchema, ct.Mode, true),
		Data:         result.Data,
		Status:       status,
		Metadata: models.ResponseMetadata{
			CorrelationID:    job.CorrelationID,
			ContentHash:      job.ContentHash,
			Cost:             job.Cost,
			Timings:          job.Timings,
			PromotedFields:   promoted,
			RowsDroppedCount: result.DroppedEntities,
			FieldsOmitted:    result.FieldsOmitted,
			EvidenceSummary:  &negotiation.EvidenceSummary,
			ReliabilityScore: negotiation.EvidenceSummary.ReliabilityScore,
			Partial:          partial,
			FallbackTaken:    fallbackUsed,
			Reason:           reason,
		},
	}
}

// fail moves the job to failure and produces the failure response
func (m *Manager) fail(ctx context.Context, job *models.Job, pe *models.PipelineError) *models.Response {
	job.Error = pe
	if err := m.finish(ctx, job, models.JobStatusFailure, pe.Detail); err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist failed job")
	}
	m.emit(ctx, models.EventJobCompleted, job.CorrelationID, map[string]interface{}{
		"job_id": job.ID,
		"status": models.StatusFailure,
		"code":   string(pe.Code),
	})
	return failureResponse(job.CorrelationID, pe)
}

func failureResponse(correlationID string, pe *models.PipelineError) *models.Response {
	return &models.Response{
		Status: models.StatusFailure,
		Metadata: models.ResponseMetadata{
			CorrelationID: correlationID,
			Error: &models.ErrorDetail{
				Code:   pe.Code,
				Stage:  pe.Stage,
				Detail: pe.Detail,
			},
		},
	}
}

// saveTransition records a state change and persists the job
func (m *Manager) saveTransition(ctx context.Context, job *models.Job, to models.JobStatus, detail string) error {
	if err := job.Transition(to, detail); err != nil {
		return err
	}
	if err := m.storage.JobStorage().SaveJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}
	return nil
}

// finish moves the job to a terminal state
func (m *Manager) finish(ctx context.Context, job *models.Job, to models.JobStatus, detail string) error {
	return m.saveTransition(ctx, job, to, detail)
}

func (m *Manager) emit(ctx context.Context, eventType models.EventType, correlationID string, payload map[string]interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, models.Event{
		Type:          eventType,
		CorrelationID: correlationID,
		Payload:       payload,
	}); err != nil {
		m.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}

// asPipelineError passes typed errors through and wraps everything else
func asPipelineError(err error, stage, correlationID string) *models.PipelineError {
	if pe, ok := models.AsPipelineError(err); ok {
		if pe.CorrelationID == "" {
			pe.CorrelationID = correlationID
		}
		return pe
	}
	code := models.ErrValidationFail
	if _, ok := fetch.AsFetchError(err); ok {
		code = models.ErrAllStrategiesFailed
	}
	return models.NewPipelineError(code, stage, correlationID, err.Error()).Wrap(err)
}

// tokenBudgetExhausted reports whether cumulative model spend has reached
// the request's job-level token budget. Checked at every model-call
// boundary; an exhausted budget stops further model calls and the job
// continues deterministic-only.
func tokenBudgetExhausted(req *models.Request, cost models.Cost) bool {
	return req.Budget != nil && req.Budget.Tokens > 0 &&
		cost.TokensIn+cost.TokensOut >= req.Budget.Tokens
}

// mergeFieldNames unions two name lists preserving first-seen order
func mergeFieldNames(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, f := range existing {
		seen[f] = true
	}
	for _, f := range extra {
		if !seen[f] {
			existing = append(existing, f)
			seen[f] = true
		}
	}
	return existing
}

func augmentedCompletions(a *models.AugmentationResult) int {
	if a == nil {
		return 0
	}
	return len(a.Completions)
}

func augmentedProposals(a *models.AugmentationResult) int {
	if a == nil {
		return 0
	}
	return len(a.Proposals)
}
