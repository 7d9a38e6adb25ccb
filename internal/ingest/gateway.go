package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/craftedclimate/telemetry/internal/models"
	"github.com/craftedclimate/telemetry/internal/schema"
)

const (
	topicPrefix = "telemetry/"

	// maxInFlightSubmits caps the goroutines waiting on the queue, so a queue
	// outage cannot pile them up at message rate.
	maxInFlightSubmits = 256

	submitTimeout = 5 * time.Second
)

// TopicFor maps a model variant to its broker topic.
func TopicFor(variant string) string {
	return topicPrefix + variant
}

// VariantFromTopic is the inverse of TopicFor.
func VariantFromTopic(topic string) string {
	if len(topic) <= len(topicPrefix) || topic[:len(topicPrefix)] != topicPrefix {
		return ""
	}
	return topic[len(topicPrefix):]
}

// JobSubmitter decouples the gateway from the queue implementation.
type JobSubmitter interface {
	Enqueue(ctx context.Context, job *models.DispatchJob) error
	MaxAttempts() int
}

// Gateway subscribes to the fixed telemetry topic set and converts each
// message into a dispatch job. There is no local buffering: messages received
// while disconnected are lost, and a submission failure is logged and
// forgotten since the next reading supersedes it.
type Gateway struct {
	client mqtt.Client
	queue  JobSubmitter
	logger *slog.Logger
	sem    chan struct{}
}

func NewGateway(brokerURL, clientID string, queue JobSubmitter, logger *slog.Logger) *Gateway {
	g := &Gateway{
		queue:  queue,
		logger: logger,
		sem:    make(chan struct{}, maxInFlightSubmits),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		}).
		SetOnConnectHandler(func(client mqtt.Client) {
			g.subscribe(client)
		})

	g.client = mqtt.NewClient(opts)
	return g
}

// Start connects to the broker. Subscriptions are established by the
// on-connect handler so they survive reconnects.
func (g *Gateway) Start() error {
	if token := g.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}
	return nil
}

func (g *Gateway) Stop() {
	g.client.Disconnect(250)
}

func (g *Gateway) subscribe(client mqtt.Client) {
	filters := make(map[string]byte, len(schema.Names()))
	for _, name := range schema.Names() {
		filters[TopicFor(name)] = 1
	}

	token := client.SubscribeMultiple(filters, g.handleMessage)
	if token.Wait() && token.Error() != nil {
		g.logger.Error("mqtt subscribe failed", "error", token.Error())
		return
	}
	g.logger.Info("mqtt subscribed", "topics", len(filters))
}

// handleMessage must return quickly: decode, stamp, hand off. The enqueue
// happens on its own goroutine so a slow queue never blocks the broker
// connection; when every submission slot is taken the message is dropped,
// like any other message arriving while the queue is unreachable.
func (g *Gateway) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	receivedAt := time.Now().UTC()
	payload := msg.Payload()

	if !json.Valid(payload) {
		g.logger.Warn("dropping malformed payload", "topic", msg.Topic(), "bytes", len(payload))
		return
	}

	job := models.NewDispatchJob(msg.Topic(), payload, receivedAt, g.queue.MaxAttempts())

	select {
	case g.sem <- struct{}{}:
	default:
		g.logger.Warn("submission slots exhausted; dropping message", "topic", job.Topic)
		return
	}

	go func() {
		defer func() { <-g.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()

		if err := g.queue.Enqueue(ctx, job); err != nil {
			g.logger.Error("failed to submit dispatch job", "topic", job.Topic, "error", err)
		}
	}()
}
