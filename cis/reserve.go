package cis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/izavyalov-dev/idcache/identifier"
	"github.com/izavyalov-dev/idcache/internal/observability"
	"github.com/izavyalov-dev/idcache/ledger"
)

const operationReserve = "reserve"

// ChunkSizes splits quantity into bulk job sizes of at most max, the last
// chunk covering the remainder.
func ChunkSizes(quantity, max int) []int {
	if quantity <= 0 || max <= 0 {
		return nil
	}
	chunks := make([]int, 0, (quantity+max-1)/max)
	for remaining := quantity; remaining > 0; remaining -= max {
		chunks = append(chunks, min(remaining, max))
	}
	return chunks
}

// ReserveIDs reserves exactly quantity identifiers, running one bulk job per
// chunk and concatenating the results in submission order.
//
// Failures move a backoff ladder forward. Rejected credentials and transport
// failures hold back the whole client; any other failure holds back only
// this stream. A caller giving up is not a failure of CIS and leaves both
// ladders untouched.
func (c *Client) ReserveIDs(ctx context.Context, namespace int, partitionID string, quantity int) ([]int64, error) {
	key := identifier.Key{Namespace: namespace, PartitionID: partitionID}
	stream := key.String()
	if quantity < 0 || strings.TrimSpace(partitionID) == "" {
		return nil, &identifier.Error{Kind: identifier.KindInvalidRequest, Op: "reserve", Stream: stream,
			Detail: fmt.Sprintf("invalid request quantity=%d partition=%q", quantity, partitionID)}
	}
	if quantity == 0 {
		return []int64{}, nil
	}

	if until, active := c.backoff.until(); active {
		return nil, &identifier.Error{Kind: identifier.KindBackoff, Op: "reserve", Stream: stream,
			Detail: "CIS unusable, backoff in effect until " + until.Format(time.DateTime)}
	}
	if until, active := c.streams.until(key); active {
		return nil, &identifier.Error{Kind: identifier.KindBackoff, Op: "reserve", Stream: stream,
			Detail: "stream backoff in effect until " + until.Format(time.DateTime)}
	}

	logger := observability.WithRequest(observability.WithStream(c.logger, stream), identifier.RequestID(ctx))
	start := c.now()
	ids, err := c.reserve(ctx, logger, namespace, partitionID, quantity)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = identifier.ContextError("reserve", stream, ctxErr)
			c.metrics.IncFailure(identifier.KindOf(err).String())
			logger.Info("reservation abandoned by caller", "event", "reserve_abandoned", "quantity", quantity, "error", err)
			return nil, err
		}
		scope := "stream"
		var wait time.Duration
		if isClientFailure(err) {
			scope, wait = "client", c.backoff.recordFailure()
		} else {
			wait = c.streams.recordFailure(key)
		}
		c.metrics.IncFailure(identifier.KindOf(err).String())
		logger.Warn("failed to reserve identifiers", "event", "reserve_failed", "quantity", quantity,
			"backoff_scope", scope, "backoff", wait.String(), "error", err)
		return nil, err
	}
	c.backoff.reset()
	c.streams.reset(key)

	logger.Info("reserved identifiers", "event", "reserve_completed", "quantity", quantity,
		"chunks", len(ChunkSizes(quantity, c.maxBulkSize)), "duration_ms", c.now().Sub(start).Milliseconds())
	return ids, nil
}

func (c *Client) reserve(ctx context.Context, logger *slog.Logger, namespace int, partitionID string, quantity int) ([]int64, error) {
	if err := c.authenticate(ctx); err != nil {
		return nil, err
	}

	out := make([]int64, 0, quantity)
	for _, size := range ChunkSizes(quantity, c.maxBulkSize) {
		ids, err := c.runBulkJob(ctx, logger, GenerateRequest{
			Namespace:   namespace,
			PartitionID: partitionID,
			Quantity:    size,
			Software:    c.softwareName,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}

	if len(out) != quantity {
		return nil, &identifier.Error{Kind: identifier.KindProtocol, Op: "reserve",
			Detail: fmt.Sprintf("reserved %d identifiers, expected %d", len(out), quantity)}
	}
	return out, nil
}

func (c *Client) runBulkJob(ctx context.Context, logger *slog.Logger, req GenerateRequest) ([]int64, error) {
	jobID, err := c.submitBulkJob(ctx, operationReserve, req)
	if err != nil {
		return nil, err
	}
	logger = observability.WithJob(logger, jobID)
	submitted := c.now()
	c.recordSubmitted(ctx, logger, jobID, req)

	ids, err := c.completeBulkJob(ctx, jobID, req.Quantity)
	state, outcome, detail := ledger.JobStateCompleted, "completed", ""
	if err != nil {
		detail = err.Error()
		switch identifier.KindOf(err) {
		case identifier.KindTimeout, identifier.KindCanceled:
			state, outcome = ledger.JobStateTimedOut, "timed_out"
		default:
			state, outcome = ledger.JobStateFailed, "failed"
		}
	}
	c.metrics.ObserveJob(outcome, c.now().Sub(submitted))
	c.recordOutcome(ctx, logger, jobID, state, detail)

	if err != nil {
		if state == ledger.JobStateTimedOut {
			logger.Warn("abandoning bulk job", "event", "bulk_job_abandoned", "quantity", req.Quantity)
		}
		return nil, err
	}
	return ids, nil
}

func (c *Client) completeBulkJob(ctx context.Context, jobID string, quantity int) ([]int64, error) {
	if err := c.waitForJob(ctx, jobID); err != nil {
		return nil, err
	}
	return c.fetchRecords(ctx, jobID, quantity)
}

func (c *Client) submitBulkJob(ctx context.Context, operation string, req GenerateRequest) (string, error) {
	query := url.Values{}
	if c.schemeName != "" {
		query.Set("schemeName", c.schemeName)
	}

	var resp BulkJobResponse
	path := "/sct/bulk/" + url.PathEscape(operation)
	if err := c.callWithToken(ctx, http.MethodPost, path, query, req, &resp); err != nil {
		return "", callError(err, operation, "", "failed to submit bulk job")
	}
	jobID := strings.TrimSpace(resp.ID.String())
	if jobID == "" {
		return "", &identifier.Error{Kind: identifier.KindProtocol, Op: operation,
			Detail: "bulk job response missing job id"}
	}
	return jobID, nil
}

// waitForJob polls until the job reaches StatusSuccess, reports failure, or
// the deadline computed on entry passes.
func (c *Client) waitForJob(ctx context.Context, jobID string) error {
	deadline := c.now().Add(c.timeout)
	path := "/bulk/jobs/" + url.PathEscape(jobID)

	for {
		var resp JobStatusResponse
		if err := c.callWithToken(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
			return callError(err, "poll", jobID, "failed to fetch job status")
		}
		if resp.Status == nil || resp.Status.String() == "" {
			return &identifier.Error{Kind: identifier.KindProtocol, Op: "poll", JobID: jobID,
				Detail: "job status missing"}
		}
		code, err := resp.Status.Int()
		if err != nil {
			return &identifier.Error{Kind: identifier.KindProtocol, Op: "poll", JobID: jobID,
				Detail: fmt.Sprintf("job status %q is not numeric", resp.Status.String())}
		}

		switch {
		case code == StatusSuccess:
			return nil
		case code >= StatusFailed:
			return &identifier.Error{Kind: identifier.KindRemoteJobFailure, Op: "poll", JobID: jobID,
				Detail: fmt.Sprintf("bulk job failed with status %d due to %s", code, resp.Log)}
		}

		if !c.now().Before(deadline) {
			return &identifier.Error{Kind: identifier.KindTimeout, Op: "poll", JobID: jobID,
				Detail: fmt.Sprintf("bulk job %s timed out after %s", jobID, c.timeout)}
		}

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			err := identifier.ContextError("poll", "", ctx.Err())
			err.JobID = jobID
			return err
		case <-timer.C:
		}
	}
}

func (c *Client) fetchRecords(ctx context.Context, jobID string, quantity int) ([]int64, error) {
	var records []Record
	path := "/bulk/jobs/" + url.PathEscape(jobID) + "/records"
	if err := c.callWithToken(ctx, http.MethodGet, path, nil, nil, &records); err != nil {
		return nil, callError(err, "records", jobID, "failed to fetch records")
	}
	if len(records) != quantity {
		return nil, &identifier.Error{Kind: identifier.KindProtocol, Op: "records", JobID: jobID,
			Detail: fmt.Sprintf("job completed with %d records, expected %d", len(records), quantity)}
	}

	ids := make([]int64, 0, len(records))
	for _, record := range records {
		id, err := record.SCTID.Int()
		if err != nil || id <= 0 {
			return nil, &identifier.Error{Kind: identifier.KindProtocol, Op: "records", JobID: jobID,
				Detail: fmt.Sprintf("malformed identifier %q", record.SCTID.String())}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// callError classifies a failed CIS call. Errors that already carry a kind,
// such as a rejected re-login, pass through unchanged.
func callError(err error, op, jobID, detail string) error {
	var idErr *identifier.Error
	if errors.As(err, &idErr) {
		return err
	}
	kind := identifier.KindProtocol
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		kind = identifier.KindCanceled
	case errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()):
		kind = identifier.KindTimeout
	}
	return &identifier.Error{Kind: kind, Op: op, JobID: jobID, Detail: detail, Err: err}
}

func (c *Client) recordSubmitted(ctx context.Context, logger *slog.Logger, jobID string, req GenerateRequest) {
	if c.recorder == nil {
		return
	}
	_, err := c.recorder.RecordBulkJob(context.WithoutCancel(ctx), ledger.BulkJob{
		JobID:       jobID,
		RequestID:   identifier.RequestID(ctx),
		Operation:   operationReserve,
		Namespace:   req.Namespace,
		PartitionID: req.PartitionID,
		Quantity:    req.Quantity,
	})
	if err != nil {
		logger.Warn("ledger write failed", "event", "ledger_write_failed", "error", err)
	}
}

func (c *Client) recordOutcome(ctx context.Context, logger *slog.Logger, jobID string, state ledger.JobState, detail string) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.TransitionBulkJob(context.WithoutCancel(ctx), jobID, state, detail); err != nil {
		logger.Warn("ledger write failed", "event", "ledger_write_failed", "state", state, "error", err)
	}
}
