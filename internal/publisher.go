package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
	"github.com/sirupsen/logrus"
)

// Envelope is a delivered alert as published on the alert bus.
type Envelope struct {
	EventID   string
	EventType string
	RequestID string
	Payload   []byte
}

// Publisher mirrors delivered alerts onto message brokers.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Close() error
}

type PublisherFactory func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error)

var publisherFactories = map[string]PublisherFactory{
	"gochannel": buildGoChannelPublisher,
	"kafka":     buildKafkaPublisher,
	"nats":      buildNATSPublisher,
	"amqp":      buildAMQPPublisher,
	"http":      buildHTTPPublisher,
}

// buildAttempts and buildDelay bound broker connection attempts at startup.
var (
	buildAttempts = 5
	buildDelay    = 2 * time.Second
)

// RegisterPublisherDriver makes an additional alert bus driver available by name.
func RegisterPublisherDriver(name string, factory PublisherFactory) {
	if name == "" || factory == nil {
		return
	}
	publisherFactories[strings.ToLower(name)] = factory
}

// NewPublisher builds a publisher for every configured driver. Drivers that
// fail to connect are logged and skipped; no drivers yields a no-op publisher.
func NewPublisher(cfg WatermillConfig, logger *logrus.Entry) (Publisher, error) {
	if logger == nil {
		logger = NewLogger("bus")
	}
	if len(cfg.Drivers) == 0 {
		return noopPublisher{}, nil
	}
	wmLogger := watermill.NewStdLogger(false, false)

	pubs := make(map[string]*watermillPublisher, len(cfg.Drivers))
	for _, driver := range cfg.Drivers {
		key := strings.ToLower(strings.TrimSpace(driver))
		factory, ok := publisherFactories[key]
		if !ok {
			return nil, fmt.Errorf("unsupported watermill driver: %s", driver)
		}
		pub, err := retryPublisherBuild(func() (*watermillPublisher, error) {
			inner, closeFn, err := factory(cfg, wmLogger)
			if err != nil {
				return nil, err
			}
			return &watermillPublisher{publisher: inner, closeFn: closeFn}, nil
		})
		if err != nil {
			logger.WithError(err).WithField("driver", key).Error("publisher init failed, skipping driver")
			continue
		}
		pubs[key] = pub
	}
	if len(pubs) == 0 {
		return nil, errors.New("no alert bus publishers available")
	}
	return &publisherMux{publishers: pubs}, nil
}

func retryPublisherBuild(build func() (*watermillPublisher, error)) (*watermillPublisher, error) {
	var lastErr error
	for i := 0; i < buildAttempts; i++ {
		pub, err := build()
		if err == nil {
			return pub, nil
		}
		lastErr = err
		if i < buildAttempts-1 {
			time.Sleep(buildDelay)
		}
	}
	return nil, lastErr
}

type watermillPublisher struct {
	publisher message.Publisher
	closeFn   func() error
}

func (w *watermillPublisher) Publish(ctx context.Context, topic string, env Envelope) error {
	msg := message.NewMessage(watermill.NewUUID(), env.Payload)
	msg.Metadata.Set("provider", "resend")
	msg.Metadata.Set("event", env.EventType)
	msg.Metadata.Set("event_id", env.EventID)
	if env.RequestID != "" {
		msg.Metadata.Set("request_id", env.RequestID)
	}
	msg.SetContext(ctx)
	return w.publisher.Publish(topic, msg)
}

func (w *watermillPublisher) Close() error {
	if w.publisher == nil {
		return nil
	}
	err := w.publisher.Close()
	if w.closeFn != nil {
		return errors.Join(err, w.closeFn())
	}
	return err
}

type publisherMux struct {
	publishers map[string]*watermillPublisher
}

func (m *publisherMux) Publish(ctx context.Context, topic string, env Envelope) error {
	var err error
	for driver, pub := range m.publishers {
		if publishErr := pub.Publish(ctx, topic, env); publishErr != nil {
			IncPublishError(driver)
			err = errors.Join(err, fmt.Errorf("%s: %w", driver, publishErr))
		}
	}
	return err
}

func (m *publisherMux) Close() error {
	var err error
	for _, pub := range m.publishers {
		err = errors.Join(err, pub.Close())
	}
	return err
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, Envelope) error { return nil }
func (noopPublisher) Close() error                                    { return nil }

func buildGoChannelPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	pub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            cfg.GoChannel.OutputChannelBuffer,
			Persistent:                     cfg.GoChannel.Persistent,
			BlockPublishUntilSubscriberAck: cfg.GoChannel.BlockPublishUntilSubscriberAck,
		},
		logger,
	)
	return pub, nil, nil
}

func buildKafkaPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil, fmt.Errorf("kafka brokers are required")
	}
	pub, err := wmkafka.NewPublisher(cfg.Kafka.Brokers, wmkafka.DefaultMarshaler{}, nil, logger)
	if err != nil {
		return nil, nil, err
	}
	return pub, nil, nil
}

func buildNATSPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if cfg.NATS.ClusterID == "" || cfg.NATS.ClientID == "" {
		return nil, nil, fmt.Errorf("nats cluster_id and client_id are required")
	}
	natsCfg := wmnats.StreamingPublisherConfig{
		ClusterID: cfg.NATS.ClusterID,
		ClientID:  cfg.NATS.ClientID,
		Marshaler: wmnats.GobMarshaler{},
	}
	if cfg.NATS.URL != "" {
		natsCfg.StanOptions = append(natsCfg.StanOptions, stan.NatsURL(cfg.NATS.URL))
	}
	pub, err := wmnats.NewStreamingPublisher(natsCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return pub, nil, nil
}

func buildAMQPPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if cfg.AMQP.URL == "" {
		return nil, nil, fmt.Errorf("amqp url is required")
	}
	amqpCfg, err := amqpConfigFromMode(cfg.AMQP.URL, cfg.AMQP.Mode)
	if err != nil {
		return nil, nil, err
	}
	pub, err := wmamqp.NewPublisher(amqpCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return pub, nil, nil
}

func buildHTTPPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.HTTP.BaseURL), "/")
	if base == "" {
		return nil, nil, fmt.Errorf("http base_url is required")
	}
	pub, err := wmhttp.NewPublisher(wmhttp.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*http.Request, error) {
			return wmhttp.DefaultMarshalMessageFunc(base+"/"+topic, msg)
		},
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return pub, nil, nil
}

func amqpConfigFromMode(url, mode string) (wmamqp.Config, error) {
	switch strings.ToLower(mode) {
	case "", "durable_pubsub":
		return wmamqp.NewDurablePubSubConfig(url, nil), nil
	case "nondurable_pubsub":
		return wmamqp.NewNonDurablePubSubConfig(url, nil), nil
	case "durable_queue":
		return wmamqp.NewDurableQueueConfig(url), nil
	case "nondurable_queue":
		return wmamqp.NewNonDurableQueueConfig(url), nil
	default:
		return wmamqp.Config{}, fmt.Errorf("unsupported amqp mode: %s", mode)
	}
}
