package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const (
	TypeDeliver = "notification:deliver"
	QueueName   = "notifications"
)

type deliverPayload struct {
	NotificationID uuid.UUID `json:"notification_id"`
}

// TaskEnqueuer queues deliveries on Redis through asynq. The worker command
// consumes them.
type TaskEnqueuer struct {
	client *asynq.Client
	log    zerolog.Logger
}

func NewTaskEnqueuer(redisOpt asynq.RedisConnOpt, log zerolog.Logger) *TaskEnqueuer {
	return &TaskEnqueuer{client: asynq.NewClient(redisOpt), log: log}
}

func (q *TaskEnqueuer) Close() error {
	return q.client.Close()
}

// Enqueue queues one delivery task. The notification id is the task id, so
// a notification already waiting in the queue is not queued twice.
func (q *TaskEnqueuer) Enqueue(ctx context.Context, id uuid.UUID) error {
	payload, err := json.Marshal(deliverPayload{NotificationID: id})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeDeliver, payload)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.TaskID(id.String()),
		asynq.MaxRetry(2),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		q.log.Warn().Err(err).Str("notification_id", id.String()).Msg("enqueue notification failed")
		return err
	}
	return nil
}

// Worker runs the asynq server that delivers queued notifications.
type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
	d   *Dispatcher
	log zerolog.Logger
}

func NewWorker(redisOpt asynq.RedisConnOpt, d *Dispatcher, concurrency int, log zerolog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
		LogLevel:    asynq.WarnLevel,
	})
	mux := asynq.NewServeMux()
	w := &Worker{srv: srv, mux: mux, d: d, log: log}
	mux.HandleFunc(TypeDeliver, w.HandleDeliver)
	return w
}

// HandleDeliver processes one notification:deliver task.
func (w *Worker) HandleDeliver(ctx context.Context, t *asynq.Task) error {
	var p deliverPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		w.log.Error().Err(err).Msg("notification task payload invalid")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return w.d.Deliver(ctx, p.NotificationID)
}

// Start begins processing in the background. Pair it with Shutdown.
func (w *Worker) Start() error {
	return w.srv.Start(w.mux)
}

func (w *Worker) Shutdown() {
	w.srv.Shutdown()
}

var _ Enqueuer = (*TaskEnqueuer)(nil)
