package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mail-pipeline-broker/internal/classify"
	"mail-pipeline-broker/internal/health"
	"mail-pipeline-broker/internal/models"
	"mail-pipeline-broker/internal/pipeline"
	"mail-pipeline-broker/internal/telemetry"
)

// Execute runs the job to completion for this pass, mutating it in
// place. Every account in the job's set runs as an independent
// concurrent sub-pipeline; no collaborator error ever escapes this
// method. Accounts needing a retry leave the job in the retrying
// status with a deferred queue entry; the job goes terminal only once
// every account has resolved.
func (b *Broker) Execute(ctx context.Context, job *models.Job) *models.Job {
	if models.IsTerminal(job.Status) {
		return job
	}

	now := b.now()
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.Status = models.StatusRunning
	if err := b.store.UpdateJob(ctx, job); err != nil {
		b.logger.Warn("persist running status", "job_id", job.ID, "error", err)
	}

	// Sub-pipelines run under a per-job context so an explicit cancel
	// interrupts them instead of letting them run out their timeouts.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go b.watchCancelled(runCtx, job.ID, stop)

	runnable := b.runnableOutcomes(job, now)

	var wg sync.WaitGroup
	for _, oc := range runnable {
		wg.Add(1)
		go func(oc *models.AccountOutcome) {
			defer wg.Done()
			b.runAccount(runCtx, job, oc)
		}(oc)
	}
	wg.Wait()

	if ctx.Err() != nil {
		// Worker shutting down mid-job: leave the job as the queue
		// lease left it; it is reclaimed and re-executed later.
		return job
	}

	b.finalize(ctx, job)
	return job
}

// watchCancelled polls the stored job while a pass is running and
// cancels the pass once a cancel request lands. Interrupted attempts
// take the revert path in runAccount, so no health or metric update
// is recorded for them.
func (b *Broker) watchCancelled(ctx context.Context, jobID string, stop context.CancelFunc) {
	ticker := time.NewTicker(b.cancelPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current, err := b.store.GetJob(ctx, jobID)
		if err != nil {
			continue
		}
		if current.Status == models.StatusCancelled {
			stop()
			return
		}
	}
}

// runnableOutcomes picks the accounts due for execution this pass:
// fresh accounts, plus retrying accounts whose backoff has elapsed.
func (b *Broker) runnableOutcomes(job *models.Job, now time.Time) []*models.AccountOutcome {
	var out []*models.AccountOutcome
	for _, oc := range job.Accounts {
		switch oc.Status {
		case models.OutcomePending, models.OutcomeRunning:
			out = append(out, oc)
		case models.OutcomeRetrying:
			if oc.NextRetryAt == nil || !oc.NextRetryAt.After(now) {
				out = append(out, oc)
			}
		}
	}
	return out
}

// runAccount drives one account's sub-pipeline for a single attempt
// and folds the result into policy, health, and metrics.
func (b *Broker) runAccount(ctx context.Context, job *models.Job, oc *models.AccountOutcome) {
	// Retries are suppressed once the account broke, even when the
	// per-job attempt budget is not exhausted yet.
	if oc.Status == models.OutcomeRetrying && b.tracker.GetHealth(oc.AccountID) == models.HealthBroken {
		now := b.now()
		oc.Status = models.OutcomeFailed
		oc.CompletedAt = &now
		oc.NextRetryAt = nil
		oc.Errors = append(oc.Errors, "account is broken; automatic retries suppressed")
		return
	}

	prevStatus := oc.Status
	start := b.now()
	oc.Attempts++
	oc.Status = models.OutcomeRunning
	if oc.StartedAt == nil {
		oc.StartedAt = &start
	}

	acct, err := b.store.GetAccount(ctx, oc.AccountID)
	var result pipeline.FetchResult
	if err == nil {
		actx, cancel := context.WithTimeout(ctx, job.Timeout)
		result, err = b.runPipeline(actx, job, acct)
		cancel()
	}
	duration := time.Since(start)

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Cancelled before the outcome was determined: record neither
		// success nor failure, and restore the pre-attempt state.
		oc.Attempts--
		oc.Status = prevStatus
		return
	}

	now := b.now()
	if err == nil {
		oc.Status = models.OutcomeSuccess
		oc.CompletedAt = &now
		oc.NextRetryAt = nil
		oc.ItemsFetched = result.ItemsFetched
		oc.ItemsProcessed = result.ItemsProcessed

		b.breaker.Reset(oc.AccountID)
		b.tracker.RecordOutcome(ctx, health.Outcome{
			AccountID: oc.AccountID,
			UserID:    job.UserID,
			Success:   true,
		})
		b.record(ctx, job, oc, duration, true, "")
		telemetry.AccountAttempts.WithLabelValues("success").Inc()
		return
	}

	category := classify.Classify(err)
	oc.Errors = append(oc.Errors, fmt.Sprintf("attempt %d: %v", oc.Attempts, err))

	tripped := b.breaker.RecordFailure(oc.AccountID)
	state, becameBroken := b.tracker.RecordOutcome(ctx, health.Outcome{
		AccountID:      oc.AccountID,
		UserID:         job.UserID,
		Category:       category,
		BreakerTripped: tripped,
		WindowFailures: b.breaker.Failures(oc.AccountID),
		Err:            err.Error(),
	})

	if becameBroken && tripped && category != classify.Permanent {
		telemetry.BreakerTrips.Inc()
	}

	if state != models.HealthBroken && b.policy.ShouldRetry(category, oc.Attempts) {
		delay := b.policy.NextDelay(oc.Attempts)
		retryAt := now.Add(delay)
		oc.Status = models.OutcomeRetrying
		oc.NextRetryAt = &retryAt
		telemetry.RetriesScheduled.Inc()
		telemetry.AccountAttempts.WithLabelValues("retrying").Inc()
	} else {
		oc.Status = models.OutcomeFailed
		oc.CompletedAt = &now
		oc.NextRetryAt = nil
		telemetry.AccountAttempts.WithLabelValues("failed").Inc()
	}

	b.record(ctx, job, oc, duration, false, string(category))
	b.logger.Warn("account attempt failed",
		"job_id", job.ID, "account_id", oc.AccountID, "attempt", oc.Attempts,
		"category", string(category), "outcome", oc.Status, "error", err)
}

// runPipeline executes the strictly ordered per-account steps:
// diagnostics, then fetch, then persist, then process.
func (b *Broker) runPipeline(ctx context.Context, job *models.Job, acct models.Account) (pipeline.FetchResult, error) {
	var result pipeline.FetchResult
	start := b.now()

	probe, err := b.collab.Diagnostics.TestConnection(ctx, acct)
	if err != nil {
		return result, fmt.Errorf("diagnostics: %w", err)
	}
	if !probe.Connected {
		return result, fmt.Errorf("diagnostics: %w", pipeline.ErrNotConnected)
	}
	if len(probe.Capabilities) == 0 {
		return result, fmt.Errorf("diagnostics: %w", pipeline.ErrNoCapabilities)
	}
	if job.Kind == models.KindDiagnostics {
		result.Duration = time.Since(start)
		return result, nil
	}

	if job.Kind == models.KindFetch {
		handles, err := b.collab.Fetcher.FetchNew(ctx, acct, "INBOX", job.MaxItems)
		if err != nil {
			return result, fmt.Errorf("fetch: %w", err)
		}
		saved, err := b.collab.Processor.Persist(ctx, acct, handles)
		if err != nil {
			return result, fmt.Errorf("persist: %w", err)
		}
		result.ItemsFetched = saved
	}

	processed, err := b.collab.Processor.Process(ctx, acct)
	if err != nil {
		return result, fmt.Errorf("process: %w", err)
	}
	result.ItemsProcessed = processed
	result.Duration = time.Since(start)
	return result, nil
}

func (b *Broker) record(ctx context.Context, job *models.Job, oc *models.AccountOutcome, duration time.Duration, success bool, category string) {
	b.recorder.Record(ctx, models.PerformanceMetric{
		JobID:          job.ID,
		UserID:         job.UserID,
		AccountID:      oc.AccountID,
		Duration:       duration,
		ItemsFetched:   oc.ItemsFetched,
		ItemsProcessed: oc.ItemsProcessed,
		Success:        success,
		ErrorCategory:  category,
	})
}

// finalize derives the job-level status once a pass over the account
// set completed, persists it, and schedules the next pass when any
// account still needs a retry.
func (b *Broker) finalize(ctx context.Context, job *models.Job) {
	// A concurrent cancel wins over this pass's results.
	if current, err := b.store.GetJob(ctx, job.ID); err == nil && current.Status == models.StatusCancelled {
		job.Status = models.StatusCancelled
		return
	}

	var succeeded, failed int
	var earliestRetry *time.Time
	for _, oc := range job.Accounts {
		switch oc.Status {
		case models.OutcomeSuccess:
			succeeded++
		case models.OutcomeFailed:
			failed++
		case models.OutcomeRetrying:
			if earliestRetry == nil || oc.NextRetryAt.Before(*earliestRetry) {
				earliestRetry = oc.NextRetryAt
			}
		}
		if n := oc.Attempts - 1; n > job.RetryCount {
			job.RetryCount = n
		}
	}

	job.Errors = collectErrors(job)

	if earliestRetry != nil {
		job.Status = models.StatusRetrying
		job.NextRunAt = *earliestRetry
		if err := b.store.UpdateJob(ctx, job); err != nil {
			b.logger.Warn("persist retrying job", "job_id", job.ID, "error", err)
		}
		if err := b.queue.Schedule(ctx, job.ID, *earliestRetry); err != nil {
			b.logger.Error("schedule retry", "job_id", job.ID, "error", err)
		}
		return
	}

	now := b.now()
	job.CompletedAt = &now
	switch {
	case failed == 0:
		job.Status = models.StatusSuccess
	case succeeded == 0:
		job.Status = models.StatusFailed
	default:
		job.Status = models.StatusPartialFailure
	}
	telemetry.JobsCompleted.WithLabelValues(job.Status).Inc()

	if job.Status != models.StatusSuccess {
		reason := models.AlertPartialFailure
		if job.Status == models.StatusFailed {
			reason = models.AlertJobFailed
		}
		// One alert per failed account, naming the account and why. An
		// account that just broke gets the broken reason instead of a
		// second, weaker one.
		for _, oc := range sortedOutcomes(job) {
			if oc.Status != models.OutcomeFailed {
				continue
			}
			r := reason
			if b.tracker.GetHealth(oc.AccountID) == models.HealthBroken {
				r = models.AlertAccountBroken
			}
			msg := fmt.Sprintf("job %s: account %s failed", job.ID, oc.AccountID)
			if len(oc.Errors) > 0 {
				msg = fmt.Sprintf("%s: %s", msg, oc.Errors[len(oc.Errors)-1])
			}
			b.notifier.Notify(ctx, models.Alert{
				UserID:    job.UserID,
				AccountID: oc.AccountID,
				JobID:     job.ID,
				Reason:    r,
				Message:   msg,
			})
		}
	}

	if err := b.store.UpdateJob(ctx, job); err != nil {
		b.logger.Error("persist completed job", "job_id", job.ID, "error", err)
	}
	b.logger.Info("job completed",
		"job_id", job.ID, "status", job.Status,
		"succeeded", succeeded, "failed", failed, "retry_count", job.RetryCount)
}

func collectErrors(job *models.Job) []string {
	var out []string
	for _, oc := range sortedOutcomes(job) {
		for _, e := range oc.Errors {
			out = append(out, fmt.Sprintf("account %s: %s", oc.AccountID, e))
		}
	}
	return out
}

func sortedOutcomes(job *models.Job) []*models.AccountOutcome {
	out := make([]*models.AccountOutcome, 0, len(job.Accounts))
	for _, oc := range job.Accounts {
		out = append(out, oc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
