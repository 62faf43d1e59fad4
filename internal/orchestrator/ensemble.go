package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"llm_orchestrator/internal/models"
)

// DispatchEnsemble queries every listed provider in parallel under one shared
// deadline and returns one response per id, in the listed order. ids default
// to req.ProviderChain, then to every enabled provider in auto order.
// Provider failures are reported inside the responses; the only error is an
// invalid request. No response is ranked or preferred.
func (e *Engine) DispatchEnsemble(ctx context.Context, req models.LLMRequest, ids []string) ([]models.LLMResponse, error) {
	if req.Policy == "" {
		req.Policy = models.PolicyEnsemble
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if len(ids) == 0 {
		ids = req.ProviderChain
	}
	if len(ids) == 0 {
		for _, cfg := range e.autoOrder() {
			if cfg.Enabled {
				ids = append(ids, cfg.ID)
			}
		}
	}

	start := e.now()
	ctx, cancel := context.WithTimeout(ctx, req.Deadline(e.cfg.RequestDeadline))
	defer cancel()

	d := e.newDispatch(req)
	results := make([]models.LLMResponse, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		c := e.lookup(id)
		if c.skip != nil {
			results[i] = failedResponse(c.skip)
			continue
		}
		if !c.config.Enabled || !e.tracker.IsEligible(id) {
			results[i] = failedResponse(newAttemptError(id, models.ErrorKindProviderUnavailable, false, fmt.Errorf("provider is not eligible")))
			continue
		}

		wg.Add(1)
		go func(i int, cfg models.ProviderConfig) {
			defer wg.Done()

			resp, aerr := e.attempt(ctx, d, cfg)
			if aerr != nil {
				results[i] = failedResponse(aerr)
				return
			}
			// Appends land in completion order.
			e.finish(d, resp)
			results[i] = *resp
		}(i, c.config)
	}
	wg.Wait()

	outcome := string(models.ErrorKindAllProvidersExhausted)
	for _, r := range results {
		if !r.Failed() {
			outcome = models.OutcomeSuccess
			break
		}
	}
	e.metrics.ObserveRequest(string(models.PolicyEnsemble), outcome, e.now().Sub(start))

	return results, nil
}

func failedResponse(aerr *AttemptError) models.LLMResponse {
	msg := string(aerr.Kind)
	if aerr.Err != nil {
		msg = aerr.Err.Error()
	}
	return models.LLMResponse{
		ProviderUsed: aerr.ProviderID,
		Error:        msg,
		ErrorKind:    aerr.Kind,
	}
}
