package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

// spawnWorkerPool spawns N processing goroutines based on concurrency
// configuration.
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine. A slot
// blocks only for the duration of one job's execution and terminal status
// update; it never blocks on other jobs.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case d, ok := <-w.jobsChan:
			if !ok {
				return
			}

			err := w.processor.Process(ctx, d.msg, d.body)

			channel := w.rabbitClient.GetChannel()
			if channel == nil {
				w.logger.Error("Failed to get channel for ACK/NACK",
					slog.String("worker_name", workerName),
					slog.String("job_id", d.msg.JobID),
				)
				continue
			}

			if err != nil {
				requeue := w.shouldRequeueJob(err)
				w.logger.Error("Job processing failed",
					slog.String("worker_name", workerName),
					slog.String("job_id", d.msg.JobID),
					slog.Bool("requeue", requeue),
					slog.Any("error", err),
				)
				if nackErr := channel.Nack(d.msg.DeliveryTag, false, requeue); nackErr != nil {
					w.logger.Error("Failed to NACK message",
						slog.String("job_id", d.msg.JobID),
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			if ackErr := channel.Ack(d.msg.DeliveryTag, false); ackErr != nil {
				w.logger.Error("Failed to ACK message",
					slog.String("job_id", d.msg.JobID),
					slog.Any("error", ackErr),
				)
			}
		}
	}
}

// shouldRequeueJob determines whether the delivery goes back on the work
// queue. Step failures are resolved inside the processor through the delayed
// retry queue or a terminal status, so an error escaping Process means an
// infrastructure dependency (database, publisher) failed mid-flight;
// redelivery lets another worker finish the job once it recovers. A message
// that cannot be parsed can never succeed and is dropped.
func (w *Worker) shouldRequeueJob(err error) bool {
	return !errors.Is(err, domain.ErrInvalidJobMessage)
}
