// Package mqtt — push-канал до устройств на eclipse/paho: публикует инструкции
// установки/отката и принимает статусы и телеметрию в фид здоровья.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"aura/internal/logs"
	"aura/internal/models"
	"aura/internal/reports"
)

type Config struct {
	Broker      string // tcp://host:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Reporter — приёмник отчётов устройств.
type Reporter interface {
	Handle(ctx context.Context, rep reports.Report) (*models.HealthSample, error)
}

type Client struct {
	client paho.Client
	topics Topics
	log    *logrus.Entry
}

const (
	qos           = 1
	opTimeout     = 10 * time.Second
	handleTimeout = 5 * time.Second
)

// Connect подключается к брокеру; переподключение paho делает сам.
func Connect(cfg Config) (*Client, error) {
	c := &Client{topics: Topics{Prefix: cfg.TopicPrefix}, log: logs.With("mqtt").WithField("broker", cfg.Broker)}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(false)
	opts.OnConnect = func(paho.Client) { c.log.Info("mqtt connected") }
	opts.OnConnectionLost = func(_ paho.Client, err error) { c.log.WithError(err).Warn("mqtt connection lost") }

	c.client = paho.NewClient(opts)
	tok := c.client.Connect()
	if !tok.WaitTimeout(opTimeout) {
		// SetConnectRetry: клиент продолжит попытки в фоне
		c.log.Warn("mqtt broker not reachable yet, retrying in background")
		return c, nil
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return c, nil
}

// Publish реализует delivery.Publisher.
func (c *Client) Publish(ctx context.Context, a models.Assignment) error {
	topic, payload, err := c.topics.Encode(a)
	if err != nil {
		return err
	}
	return wait(ctx, c.client.Publish(topic, qos, false, payload))
}

// Subscribe направляет статусы обновления и телеметрию в rep.
func (c *Client) Subscribe(rep Reporter) error {
	if err := wait(context.Background(), c.client.Subscribe(c.topics.StatusFilter(), qos, c.onStatus(rep))); err != nil {
		return fmt.Errorf("subscribe status: %w", err)
	}
	if err := wait(context.Background(), c.client.Subscribe(c.topics.TelemetryFilter(), qos, c.onTelemetry(rep))); err != nil {
		return fmt.Errorf("subscribe telemetry: %w", err)
	}
	return nil
}

func (c *Client) onStatus(rep Reporter) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		id, ok := c.topics.DeviceFromTopic(msg.Topic())
		if !ok {
			return
		}
		var st UpdateStatus
		if err := json.Unmarshal(msg.Payload(), &st); err != nil {
			c.log.WithError(err).WithField("topic", msg.Topic()).Warn("bad update status payload")
			return
		}
		if r, ok := StatusReport(id, st); ok {
			c.handle(rep, r)
		}
	}
}

func (c *Client) onTelemetry(rep Reporter) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		id, ok := c.topics.DeviceFromTopic(msg.Topic())
		if !ok {
			return
		}
		var tm DeviceTelemetry
		if err := json.Unmarshal(msg.Payload(), &tm); err != nil {
			c.log.WithError(err).WithField("topic", msg.Topic()).Warn("bad telemetry payload")
			return
		}
		c.handle(rep, TelemetryReport(id, tm))
	}
}

func (c *Client) handle(rep Reporter, r reports.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if _, err := rep.Handle(ctx, r); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"device": r.DeviceID, "kind": r.Kind}).Warn("device report rejected")
	}
}

func (c *Client) IsConnected() bool { return c.client.IsConnected() }

// Check — проверка готовности для /readyz.
func (c *Client) Check() error {
	if !c.client.IsConnected() {
		return fmt.Errorf("mqtt broker %s not connected", c.log.Data["broker"])
	}
	return nil
}

func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	c.log.Info("mqtt client disconnected")
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(opTimeout):
		return fmt.Errorf("mqtt: operation timed out")
	}
}
