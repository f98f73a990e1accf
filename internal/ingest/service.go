package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/hearth-core/internal/device"
	"github.com/nerrad567/hearth-core/internal/infrastructure/mqtt"
)

// Logger is the minimal logging interface the service needs.
// Compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Store is the ingest-facing slice of the state store.
type Store interface {
	IngestState(ctx context.Context, homeID, nodeName string, kind device.Kind, entityName string, payload []byte) (*device.StateChange, error)
	IngestStatus(ctx context.Context, homeID, nodeName string, payload []byte) (*device.StatusChange, error)
}

// Subscriber registers MQTT message handlers. Implemented by mqtt.Client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Service routes device traffic from the bus into the state store.
type Service struct {
	store  Store
	subs   Subscriber
	disp   *Dispatcher
	qos    byte
	logger Logger
}

// NewService creates an ingest service. A nil logger disables logging.
func NewService(store Store, subs Subscriber, qos byte, logger Logger) *Service {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Service{
		store:  store,
		subs:   subs,
		disp:   NewDispatcher(defaultWorkers),
		qos:    qos,
		logger: logger,
	}
}

// Start launches the dispatcher and subscribes to the device wildcards.
func (s *Service) Start(ctx context.Context) error {
	s.disp.Start(ctx)

	topics := mqtt.Topics{}
	if err := s.subs.Subscribe(topics.AllStates(), s.qos, s.HandleState); err != nil {
		return fmt.Errorf("subscribing to states: %w", err)
	}
	if err := s.subs.Subscribe(topics.AllStatuses(), s.qos, s.HandleStatus); err != nil {
		return fmt.Errorf("subscribing to statuses: %w", err)
	}

	s.logger.Info("ingest started",
		"states", topics.AllStates(),
		"statuses", topics.AllStatuses())
	return nil
}

// Stop drains the dispatcher. Queued messages finish, new ones are dropped.
func (s *Service) Stop() {
	s.disp.Stop()
}

// HandleState is the MQTT handler for entity state topics. A malformed
// topic is dropped with a log line; the error return stays nil so the
// bus client never treats bad device traffic as a handler failure.
func (s *Service) HandleState(topic string, payload []byte) error {
	addr, err := mqtt.ParseStateTopic(topic)
	if err != nil {
		s.logger.Warn("dropping malformed state topic", "topic", topic, "error", err)
		return nil
	}

	// The broker client may reuse the payload buffer after the handler
	// returns; the dispatcher runs later.
	body := make([]byte, len(payload))
	copy(body, payload)

	s.disp.Submit(entityKey(addr), func(ctx context.Context) {
		_, err := s.store.IngestState(ctx, addr.HomeID, addr.NodeName,
			device.Kind(addr.EntityKind), addr.EntityName, body)
		if err != nil {
			s.logger.Warn("state ingest failed", "topic", topic, "error", err)
		}
	})
	return nil
}

// HandleStatus is the MQTT handler for device status topics. Status
// traffic never creates devices: unknown senders are dropped quietly.
func (s *Service) HandleStatus(topic string, payload []byte) error {
	addr, err := mqtt.ParseStatusTopic(topic)
	if err != nil {
		s.logger.Warn("dropping malformed status topic", "topic", topic, "error", err)
		return nil
	}

	body := make([]byte, len(payload))
	copy(body, payload)

	s.disp.Submit(statusKey(addr), func(ctx context.Context) {
		_, err := s.store.IngestStatus(ctx, addr.HomeID, addr.NodeName, body)
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			s.logger.Debug("status from unknown device", "topic", topic)
		case err != nil:
			s.logger.Warn("status ingest failed", "topic", topic, "error", err)
		}
	})
	return nil
}

// entityKey is the dispatcher shard key for an entity address. Updates
// for one entity serialize on it.
func entityKey(addr mqtt.Address) string {
	return addr.HomeID + "/" + addr.NodeName + "/" + addr.EntityKind + "/" + addr.EntityName
}

// statusKey is the dispatcher shard key for a device address.
func statusKey(addr mqtt.StatusAddress) string {
	return addr.HomeID + "/" + addr.NodeName
}
