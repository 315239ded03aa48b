package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"stageline/internal/stream"
)

// Sender is the push-notification channel (email / in-app). Delivery is
// fire-and-forget: failures are logged by the dispatcher, never propagated
// back into the state machines.
type Sender interface {
	SendPhaseStart(ctx context.Context, phaseID, phaseName string) error
	SendWelcome(ctx context.Context, userID, phaseID string) error
	SendCompletion(ctx context.Context, userID, phaseID string) error
}

// LogSender is the in-app channel: it records notifications in the log.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) SendPhaseStart(_ context.Context, phaseID, phaseName string) error {
	s.Logger.Info("notify: phase started", "phase", phaseID, "name", phaseName)
	return nil
}

func (s LogSender) SendWelcome(_ context.Context, userID, phaseID string) error {
	s.Logger.Info("notify: welcome", "user", userID, "phase", phaseID)
	return nil
}

func (s LogSender) SendCompletion(_ context.Context, userID, phaseID string) error {
	s.Logger.Info("notify: onboarding completed", "user", userID, "phase", phaseID)
	return nil
}

// Dispatcher consumes emitted rollout events and triggers notification
// sends. Keeping delivery out of the mutation path means a slow or failing
// channel can never fail a phase start or a step completion.
type Dispatcher struct {
	Sender Sender
	Logger *slog.Logger

	sub  *stream.Subscription
	wg   sync.WaitGroup
	once sync.Once
}

func NewDispatcher(sender Sender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Sender: sender, Logger: logger}
}

// Run subscribes to the hub and dispatches until Stop is called.
func (d *Dispatcher) Run(ctx context.Context, hub *stream.Hub) {
	d.sub = hub.Subscribe(stream.TopicPhases, stream.TopicOnboarding)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-d.sub.C():
				if !ok {
					return
				}
				d.dispatch(ctx, msg)
			}
		}
	}()
}

// Stop detaches from the hub and waits for in-flight sends.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		if d.sub != nil {
			d.sub.Close()
		}
		d.wg.Wait()
	})
}

type eventPayload struct {
	PhaseID   string `json:"phase_id"`
	PhaseName string `json:"phase_name"`
	UserID    string `json:"user_id"`
}

func (d *Dispatcher) dispatch(ctx context.Context, msg stream.Message) {
	var p eventPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		d.Logger.Warn("dropping malformed event payload", "type", msg.Type, "err", err)
		return
	}
	var err error
	switch msg.Type {
	case "phase.started":
		err = d.Sender.SendPhaseStart(ctx, p.PhaseID, p.PhaseName)
	case "user.assigned":
		err = d.Sender.SendWelcome(ctx, p.UserID, p.PhaseID)
	case "onboarding.completed":
		err = d.Sender.SendCompletion(ctx, p.UserID, p.PhaseID)
	default:
		return
	}
	if err != nil {
		d.Logger.Error("notification send failed", "type", msg.Type, "err", err)
	}
}
