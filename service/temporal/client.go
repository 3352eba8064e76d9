package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/x402-facilitator/service/payment"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// PayoutWorkflowTimeout bounds a single payout workflow execution.
const PayoutWorkflowTimeout = 24 * time.Hour

// Client schedules payout workflows. It satisfies payment.PayoutRetrier.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var _ payment.PayoutRetrier = (*Client)(nil)

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return newClient(c, taskQueue, logger), nil
}

func newClient(c client.Client, taskQueue string, logger *slog.Logger) *Client {
	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}
}

// PayoutWorkflowID is the workflow ID for the payout of a user settlement. One
// payout workflow may ever exist per user signature.
func PayoutWorkflowID(userSignature string) string {
	return "merchant-payout-" + userSignature
}

// SchedulePayoutRetry starts MerchantPayoutWorkflow for req. Scheduling the same
// user signature twice is not an error and does not start a second workflow.
func (c *Client) SchedulePayoutRetry(ctx context.Context, req payment.PayoutRequest) error {
	id := PayoutWorkflowID(req.UserSignature)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       id,
		TaskQueue:                c.taskQueue,
		WorkflowExecutionTimeout: PayoutWorkflowTimeout,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}, MerchantPayoutWorkflow, FromPayoutRequest(req))

	var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &alreadyStarted) {
		c.logger.InfoContext(ctx, "payout workflow already exists", "workflow_id", id)
		return nil
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to start payout workflow",
			"workflow_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to start payout workflow %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "payout workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"merchant", req.Merchant,
		"amount", req.Amount,
		"asset", req.Asset,
	)
	return nil
}

// PayoutResult waits for the payout workflow of userSignature and returns its result.
func (c *Client) PayoutResult(ctx context.Context, userSignature string) (*MerchantPayoutResult, error) {
	var result MerchantPayoutResult
	if err := c.client.GetWorkflow(ctx, PayoutWorkflowID(userSignature), "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("payout workflow for %s: %w", userSignature, err)
	}
	return &result, nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
