package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/credits/pkg/cache"
	"github.com/crosslogic/credits/pkg/events"
	"go.uber.org/zap"
)

const maxBackoff = 5 * time.Minute

// Sender delivers one event to one channel.
type Sender interface {
	Send(ctx context.Context, event events.Event) error
}

// Service fans billing alerts out to the configured channels and retries
// failed deliveries in the background.
type Service struct {
	config  *Config
	cache   *cache.Cache
	logger  *zap.Logger
	senders map[string]Sender

	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	metrics *Metrics
}

// DeliveryTask is one event bound for one channel.
type DeliveryTask struct {
	ID          string
	Event       events.Event
	Channel     string
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	LastAttempt time.Time
}

// NewService builds the service. cache may be nil, which disables
// duplicate suppression.
func NewService(config *Config, cache *cache.Cache, logger *zap.Logger) *Service {
	s := &Service{
		config:     config,
		cache:      cache,
		logger:     logger,
		senders:    make(map[string]Sender),
		retryQueue: make(chan *DeliveryTask, max(config.RetryQueueSize, 1)),
		stopChan:   make(chan struct{}),
		metrics:    NewMetrics(),
	}

	if !config.Enabled {
		logger.Info("alert notifications are disabled")
		return s
	}

	if config.SlackEnabled {
		s.senders[ChannelSlack] = NewSlackAdapter(config.SlackWebhookURL, config.SlackChannel, logger)
		logger.Info("slack alerts enabled", zap.String("webhook_url", maskURL(config.SlackWebhookURL)))
	}

	if config.WebhookEnabled {
		s.senders[ChannelWebhook] = NewWebhookAdapter(
			config.WebhookURL,
			config.WebhookSecret,
			config.WebhookMethod,
			config.WebhookHeaders,
			logger,
		)
		logger.Info("webhook alerts enabled", zap.String("url", maskURL(config.WebhookURL)))
	}

	logger.Info("notification service initialized",
		zap.Bool("slack", config.SlackEnabled),
		zap.Bool("webhook", config.WebhookEnabled),
		zap.Int("max_retries", config.MaxRetries),
		zap.Int("retry_workers", config.RetryWorkers),
	)
	return s
}

// SetSender replaces the sender for a channel.
func (s *Service) SetSender(channel string, sender Sender) {
	s.senders[channel] = sender
}

// Start subscribes to the alert events and starts the retry workers.
func (s *Service) Start(ctx context.Context, bus *events.Bus) {
	if !s.config.Enabled {
		return
	}

	types := make([]string, 0, len(AlertEvents))
	for _, t := range AlertEvents {
		bus.Subscribe(t, s.HandleEvent)
		types = append(types, string(t))
	}

	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}

	s.logger.Info("notification service started",
		zap.Strings("events", types),
		zap.Int("retry_workers", s.config.RetryWorkers),
	)
}

// Stop stops the retry workers. Queued retries are abandoned.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.logger.Info("notification service stopped")
}

// HandleEvent delivers event to each routed channel once. Failed deliveries
// are queued for retry and never returned to the bus.
func (s *Service) HandleEvent(ctx context.Context, event events.Event) error {
	if !s.claim(ctx, event.ID) {
		s.logger.Debug("duplicate event, skipping", zap.String("event_id", event.ID))
		return nil
	}

	channels := s.config.GetChannelsForEvent(event.Type)
	if len(channels) == 0 {
		s.logger.Debug("no channels configured for event type",
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}

	now := time.Now()
	for _, channel := range channels {
		task := &DeliveryTask{
			ID:          fmt.Sprintf("%s-%s", event.ID, channel),
			Event:       event,
			Channel:     channel,
			MaxRetries:  s.config.MaxRetries,
			CreatedAt:   now,
			LastAttempt: now,
		}

		if err := s.deliver(ctx, task); err != nil {
			s.enqueueRetry(task)
		}
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	var err error
	if sender, ok := s.senders[task.Channel]; ok {
		err = sender.Send(ctx, task.Event)
	} else {
		err = fmt.Errorf("channel %s not configured", task.Channel)
	}

	duration := time.Since(start)
	if err != nil {
		s.metrics.RecordDelivery(task.Channel, string(task.Event.Type), "failed", duration)
		s.logger.Warn("alert delivery failed",
			zap.String("event_id", task.Event.ID),
			zap.String("account_id", task.Event.AccountID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
			zap.Error(err),
		)
		return err
	}

	s.metrics.RecordDelivery(task.Channel, string(task.Event.Type), "success", duration)
	s.logger.Info("alert delivered",
		zap.String("event_id", task.Event.ID),
		zap.String("event_type", string(task.Event.Type)),
		zap.String("channel", task.Channel),
		zap.Duration("duration", duration),
	)
	return nil
}

func (s *Service) enqueueRetry(task *DeliveryTask) {
	if task.RetryCount >= task.MaxRetries {
		s.metrics.RecordDropped(task.Channel, "max_retries")
		s.logger.Error("max retries exceeded, giving up",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
		)
		return
	}

	task.RetryCount++
	task.LastAttempt = time.Now()

	select {
	case s.retryQueue <- task:
		s.metrics.RecordRetry(task.Channel, task.RetryCount)
		s.metrics.SetQueueDepth(len(s.retryQueue))
	default:
		s.metrics.RecordDropped(task.Channel, "queue_full")
		s.logger.Error("retry queue full, dropping alert",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
		)
	}
}

func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case task := <-s.retryQueue:
			s.metrics.SetQueueDepth(len(s.retryQueue))

			timer := time.NewTimer(s.calculateBackoff(task.RetryCount))
			select {
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.deliver(ctx, task); err != nil {
				s.logger.Debug("retry failed",
					zap.Int("worker_id", workerID),
					zap.String("task_id", task.ID),
				)
				s.enqueueRetry(task)
			}
		}
	}
}

// calculateBackoff returns base * 2^(retryCount-1), capped at five minutes.
func (s *Service) calculateBackoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > 16 {
		return maxBackoff
	}
	backoff := s.config.RetryBackoffBase * time.Duration(1<<uint(retryCount-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// claim marks the event as handled and reports whether this call won.
// Redis errors let the alert through.
func (s *Service) claim(ctx context.Context, eventID string) bool {
	if s.cache == nil {
		return true
	}
	ok, err := s.cache.SetNX(ctx, "notification:processed:"+eventID, "1", s.config.DedupTTL)
	if err != nil {
		s.logger.Error("failed to check duplicate alert", zap.String("event_id", eventID), zap.Error(err))
		return true
	}
	return ok
}

// maskURL hides everything after the host-ish prefix of a secret URL.
func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
