// Package queue carries payment jobs between processes over asynq.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/vietddude/settler/internal/core/domain"
)

const (
	TypeProcessPayment = "payment:process"
	DefaultQueue       = "payments"
	DefaultMaxRetry    = 10
)

// NewPaymentTask builds the task for job. The payment ID doubles as the task
// ID, so a job cannot be queued twice while it is still retained.
func NewPaymentTask(job domain.PaymentJob, queueName string, maxRetry int) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeProcessPayment, payload,
		asynq.TaskID(job.PaymentID),
		asynq.Queue(queueName),
		asynq.MaxRetry(maxRetry),
	), nil
}

// ParsePaymentTask decodes the job carried by t.
func ParsePaymentTask(t *asynq.Task) (domain.PaymentJob, error) {
	var job domain.PaymentJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return job, fmt.Errorf("decode %s payload: %w", t.Type(), err)
	}
	if job.PaymentID == "" {
		return job, fmt.Errorf("decode %s payload: missing paymentId", t.Type())
	}
	return job, nil
}
