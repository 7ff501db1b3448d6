package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sellbridge/marketsync/internal/jobs"
)

func (w *Worker) setupConsumer(_ context.Context) (<-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if err := channel.Qos(w.prefetchCount, 0, false); err != nil {
		return nil, err
	}
	return w.rabbitClient.Consume(w.workerID)
}

// startMessageDispatcher reads deliveries and feeds the worker pool.
// Returns when the delivery channel closes, the context is canceled,
// or Stop is called.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Dispatcher stopping: context canceled")
			close(w.jobsChan)
			return
		case <-w.stopChan:
			w.logger.Info("Dispatcher stopping: worker stopped")
			close(w.jobsChan)
			return
		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				close(w.jobsChan)
				return
			}
			msg, err := parseJobMessage(delivery)
			if err != nil {
				w.logger.Error("Discarding malformed message",
					slog.String("error", err.Error()),
				)
				_ = delivery.Nack(false, false)
				continue
			}
			w.jobsChan <- msg
		}
	}
}

func parseJobMessage(delivery amqp.Delivery) (*jobs.Message, error) {
	var msg jobs.Message
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		return nil, err
	}
	if msg.JobID == "" {
		return nil, jobs.ErrInvalidPayload
	}
	msg.DeliveryTag = delivery.DeliveryTag
	return &msg, nil
}
