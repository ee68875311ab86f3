package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

// setupConsumer sets up the AMQP consumer with QoS and returns the delivery
// channel.
func (w *Worker) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// prefetch_count bounds unacknowledged messages per consumer so one slow
	// worker cannot hoard the queue.
	if err := channel.Qos(w.prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := w.rabbitClient.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Queue consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	return deliveries, nil
}

// startMessageDispatcher parses deliveries and dispatches them to the worker
// pool. Malformed messages are nacked without requeue; they carry no valid
// job identity in either wire shape and retrying cannot fix that.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case amqpDelivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				return
			}

			msg, err := ParseJobMessage(amqpDelivery.Body)
			if err != nil {
				if errors.Is(err, domain.ErrInvalidJobMessage) {
					w.logger.Error("Rejecting malformed job message",
						slog.Any("error", err),
						slog.String("body", string(amqpDelivery.Body)),
					)
				} else {
					w.logger.Error("Failed to parse job message",
						slog.Any("error", err),
					)
				}
				if nackErr := amqpDelivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}
			msg.DeliveryTag = amqpDelivery.DeliveryTag

			select {
			case w.jobsChan <- &delivery{msg: msg, body: amqpDelivery.Body}:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", amqpDelivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				// NACK with requeue so another worker picks it up.
				if nackErr := amqpDelivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.Any("error", nackErr),
					)
				}
				return
			}
		}
	}
}
