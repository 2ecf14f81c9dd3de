package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmTypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ControlPlane is the subset of the SSM API the dispatcher needs. *ssm.Client
// satisfies it; tests substitute a fake.
type ControlPlane interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

// ErrPollTimeout reports that the poll bound was exceeded before the
// invocation reached a terminal state. Distinct from a failed invocation: the
// remote process may well still be running, we just stop watching it.
var ErrPollTimeout = errors.New("timed out waiting for invocation to reach a terminal state")

// An InvocationFailedError carries the terminal status and captured stderr of
// a non-successful invocation. The dispatcher surfaces it; whether it aborts
// anything is the caller's decision.
type InvocationFailedError struct {
	InvocationID string
	Status       ssmTypes.CommandInvocationStatus
	Stderr       string
}

func (e *InvocationFailedError) Error() string {
	return fmt.Sprintf("invocation %s finished with status %s", e.InvocationID, e.Status)
}

type Result struct {
	InvocationID string
	Status       ssmTypes.CommandInvocationStatus
	Stdout       string
	Stderr       string
}

// A Dispatcher submits one ordered command batch to a node through the
// control plane and polls for a terminal status within a hard bound.
type Dispatcher struct {
	plane ControlPlane

	// PollInterval and MaxAttempts bound the wait for a terminal state.
	// 30s x 120 attempts is about an hour, enough for the longest patterns.
	PollInterval time.Duration
	MaxAttempts  int

	// OutputBucket, when set, mirrors stdout/stderr to S3 under OutputPrefix.
	OutputBucket string
	OutputPrefix string

	sleep func(time.Duration)
}

func NewDispatcher(plane ControlPlane) *Dispatcher {
	return &Dispatcher{
		plane:        plane,
		PollInterval: 30 * time.Second,
		MaxAttempts:  120,
		sleep:        time.Sleep,
	}
}

// Dispatch submits the command batch to the named node and waits for a
// terminal state. Commands are passed to the control plane as a structured
// list, never concatenated into one shell line, so variable values containing
// shell metacharacters cannot break out of their own command.
func (d *Dispatcher) Dispatch(ctx context.Context, instanceID string, commands []string) (*Result, error) {
	input := &ssm.SendCommandInput{
		DocumentName: aws.String("AWS-RunShellScript"),
		InstanceIds:  []string{instanceID},
		Parameters:   map[string][]string{"commands": commands},
	}
	if d.OutputBucket != "" {
		input.OutputS3BucketName = aws.String(d.OutputBucket)
		input.OutputS3KeyPrefix = aws.String(d.OutputPrefix)
	}

	sent, err := d.plane.SendCommand(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to submit command batch to %s: %w", instanceID, err)
	}
	invocationID := *sent.Command.CommandId
	slog.Debug("submitted command batch",
		slog.String("instanceID", instanceID),
		slog.String("invocationID", invocationID),
		slog.Int("commands", len(commands)),
	)

	for i := 0; i < d.MaxAttempts; i++ {
		d.sleep(d.PollInterval)

		inv, err := d.plane.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(invocationID),
			InstanceId: aws.String(instanceID),
		})
		if err != nil {
			// The invocation record can lag the submission by a few seconds.
			var notFound *ssmTypes.InvocationDoesNotExist
			if errors.As(err, &notFound) {
				slog.Debug("invocation not visible yet", slog.String("invocationID", invocationID))
				continue
			}
			return nil, fmt.Errorf("failed to poll invocation %s: %w", invocationID, err)
		}

		result := &Result{
			InvocationID: invocationID,
			Status:       inv.Status,
			Stdout:       aws.ToString(inv.StandardOutputContent),
			Stderr:       aws.ToString(inv.StandardErrorContent),
		}

		switch inv.Status {
		case ssmTypes.CommandInvocationStatusSuccess:
			slog.Debug("invocation succeeded", slog.String("invocationID", invocationID))
			return result, nil
		case ssmTypes.CommandInvocationStatusFailed,
			ssmTypes.CommandInvocationStatusCancelled,
			ssmTypes.CommandInvocationStatusTimedOut:
			return result, &InvocationFailedError{
				InvocationID: invocationID,
				Status:       inv.Status,
				Stderr:       result.Stderr,
			}
		default:
			slog.Debug("invocation still running",
				slog.String("invocationID", invocationID),
				slog.String("status", string(inv.Status)),
			)
		}
	}

	// No remote-cancel primitive exists; the invocation keeps running on the
	// node until it finishes or an operator intervenes out-of-band.
	return nil, fmt.Errorf("invocation %s on %s: %w", invocationID, instanceID, ErrPollTimeout)
}
