package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/molt-labs/molt/internal/agent"
	"github.com/molt-labs/molt/pkg/persona"
	"github.com/molt-labs/molt/pkg/reflection"
	"github.com/molt-labs/molt/pkg/store"
)

const taskPollInterval = 5 * time.Second

// Worker drains the operator task queue. Tasks arrive through channel
// commands and survive restarts; results flow back to the operator as
// task_done events.
type Worker struct {
	store     *store.Store
	brain     *agent.Brain
	reflector *reflection.Engine
	scheduler *Scheduler
	bus       *Bus

	strategy     func() persona.Strategy
	onReflection func(ctx context.Context)
}

// NewWorker creates a task worker.
func NewWorker(s *store.Store, brain *agent.Brain, reflector *reflection.Engine, sched *Scheduler, bus *Bus, strategy func() persona.Strategy, onReflection func(ctx context.Context)) *Worker {
	return &Worker{
		store:        s,
		brain:        brain,
		reflector:    reflector,
		scheduler:    sched,
		bus:          bus,
		strategy:     strategy,
		onReflection: onReflection,
	}
}

// Run polls for pending tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("task worker started", "poll", taskPollInterval)
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("task worker stopping")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes all currently pending tasks, oldest first.
func (w *Worker) drain(ctx context.Context) {
	for {
		task, err := w.store.NextPendingTask()
		if err != nil {
			slog.Warn("task poll failed", "error", err)
			return
		}
		if task == nil {
			return
		}
		w.handle(ctx, task)
	}
}

func (w *Worker) handle(ctx context.Context, task *store.Task) {
	slog.Info("task started", "id", task.ID, "type", task.Type)

	result, err := w.execute(ctx, task)
	if err != nil {
		slog.Warn("task failed", "id", task.ID, "type", task.Type, "error", err)
		w.store.FailTask(task.ID, err.Error())
		w.bus.Publish(EventTaskDone, map[string]any{
			"task_id": task.ID,
			"type":    task.Type,
			"ok":      false,
			"result":  err.Error(),
		})
		return
	}

	w.store.CompleteTask(task.ID, result)
	w.bus.Publish(EventTaskDone, map[string]any{
		"task_id": task.ID,
		"type":    task.Type,
		"ok":      true,
		"result":  result,
	})
	slog.Info("task done", "id", task.ID, "type", task.Type)
}

func (w *Worker) execute(ctx context.Context, task *store.Task) (string, error) {
	switch task.Type {
	case "ask":
		return w.brain.AnswerQuestion(ctx, task.Payload)

	case "reflect":
		// Operator-forced cycle, runs regardless of the usual triggers.
		result, err := w.reflector.Reflect(ctx, w.strategy())
		if err != nil {
			return "", err
		}
		if result.NewVersion != nil && w.onReflection != nil {
			w.onReflection(ctx)
		}
		b, _ := json.Marshal(result)
		return string(b), nil

	case "heartbeat":
		w.scheduler.TriggerNow()
		return "heartbeat triggered", nil

	default:
		return "", fmt.Errorf("unknown task type %q", task.Type)
	}
}
