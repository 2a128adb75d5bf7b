package notifications

import (
	"context"
	"log/slog"
	"time"

	"kbforge/internal/config"
	"kbforge/internal/fanout"
	"kbforge/internal/logging"
	"kbforge/internal/phase"
	"kbforge/internal/services"
)

const sinkQueueSize = 64

// Sink turns fan-out events into operator alerts. HandleEvent only queues;
// Run performs delivery so the hub never waits on ntfy.
type Sink struct {
	service Service
	cfg     config.Notifications
	logger  *slog.Logger
	queue   chan fanout.Event
	timeout time.Duration
}

// NewSink filters events according to cfg and forwards them to service.
func NewSink(service Service, cfg config.Notifications, logger *slog.Logger) *Sink {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sink{
		service: service,
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "notifications"),
		queue:   make(chan fanout.Event, sinkQueueSize),
		timeout: timeout,
	}
}

// Wants reports whether evt produces an alert.
func (s *Sink) Wants(evt fanout.Event) bool {
	// PublishAll repeats each event on its task and item channels.
	if evt.Channel != fanout.GlobalChannel {
		return false
	}
	switch evt.Type {
	case fanout.EventConfigurationError:
		return s.cfg.ConfigurationErrors
	case fanout.EventTaskFailed:
		// Configuration failures already raise their own alert.
		return s.cfg.TaskFailures && !(s.cfg.ConfigurationErrors && evt.ErrorKind == string(services.KindConfiguration))
	case fanout.EventItemPhaseCompleted:
		return s.cfg.Published && evt.Phase == string(phase.Publication)
	}
	return false
}

// HandleEvent implements fanout.Sink.
func (s *Sink) HandleEvent(evt fanout.Event) {
	if !s.Wants(evt) {
		return
	}
	select {
	case s.queue <- evt:
	default:
		logging.WarnWithContext(s.logger, "notification dropped", "notification_dropped",
			logging.String(logging.FieldItemID, evt.ItemID),
			logging.String("event", string(evt.Type)),
			logging.String(logging.FieldImpact, "operator alert not delivered"),
			logging.String(logging.FieldErrorHint, "check ntfy reachability"),
		)
	}
}

// Run delivers queued alerts until ctx ends.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.queue:
			s.deliver(ctx, evt)
		}
	}
}

func (s *Sink) deliver(ctx context.Context, evt fanout.Event) {
	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var err error
	switch evt.Type {
	case fanout.EventConfigurationError:
		err = s.service.NotifyConfigurationError(sendCtx, evt.ItemID, evt.Phase, evt.Error)
	case fanout.EventTaskFailed:
		err = s.service.NotifyTaskFailed(sendCtx, evt.TaskID, evt.ItemID, evt.Phase, evt.ErrorKind, evt.Error)
	case fanout.EventItemPhaseCompleted:
		err = s.service.NotifyPublished(sendCtx, evt.ItemID)
	}
	if err != nil {
		logging.WarnWithContext(s.logger, "notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldItemID, evt.ItemID),
			logging.String("event", string(evt.Type)),
			logging.String(logging.FieldImpact, "operator alert not delivered"),
			logging.String(logging.FieldErrorHint, "verify notifications.ntfy_topic"),
		)
	}
}
