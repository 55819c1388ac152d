// Package mqtt owns the broker connection lifecycle and the retained
// discovery/state publishing that makes Home Assistant render the
// metering data as sensors.
package mqtt

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stanbrug/cs-kenter/internal/metrics"
)

const (
	defaultConnectTimeout = 10 * time.Second
	connectPollTick       = 100 * time.Millisecond
	publishAttempts       = 3
	defaultRetryPause     = 2 * time.Second
	defaultPublishWait    = 5 * time.Second
)

// Config holds the broker connection settings. Username and password
// are required; the broker in this deployment does not accept
// anonymous sessions.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
	QoS      byte
}

// Publisher wraps the paho client with explicit connection-state
// tracking and bounded per-publish retries. The connected flag is the
// only state shared with paho's background I/O goroutine; it is
// written by the connect/disconnect handlers and read by every publish
// attempt, so it stays an atomic.
type Publisher struct {
	client    mqtt.Client
	logger    *logrus.Logger
	qos       byte
	connected atomic.Bool

	connectTimeout time.Duration
	retryPause     time.Duration
	publishWait    time.Duration
}

// NewPublisher builds the paho client but does not connect; the first
// Publish (or an explicit Connect) establishes the session.
func NewPublisher(cfg Config, logger *logrus.Logger) *Publisher {
	p := &Publisher{
		logger:         logger,
		qos:            cfg.QoS,
		connectTimeout: defaultConnectTimeout,
		retryPause:     defaultRetryPause,
		publishWait:    defaultPublishWait,
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "cs-kenter-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(p.connectTimeout)
	// Reconnects are driven by the publish path so a failed session is
	// observed (and logged) per cycle instead of masked by the client.
	opts.SetAutoReconnect(false)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.connected.Store(true)
		logger.WithField("broker", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)).
			Info("connected to mqtt broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.connected.Store(false)
		logger.WithError(err).Warn("mqtt connection lost")
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// Connect issues a connect request and blocks until the connected flag
// flips or the timeout window elapses. It returns false instead of an
// error; callers decide whether to drop the cycle's messages.
func (p *Publisher) Connect() bool {
	if p.connected.Load() {
		return true
	}

	token := p.client.Connect()
	deadline := time.Now().Add(p.connectTimeout)
	tokenDone := false

	for time.Now().Before(deadline) {
		if p.connected.Load() {
			return true
		}
		if !tokenDone && token.WaitTimeout(connectPollTick) {
			tokenDone = true
			if err := token.Error(); err != nil {
				p.logger.WithField("cause", connectCause(err)).Warn("mqtt connect failed")
				return false
			}
			continue
		}
		if tokenDone {
			time.Sleep(connectPollTick)
		}
	}

	p.logger.WithField("timeout", p.connectTimeout).Warn("timed out waiting for mqtt connection")
	return false
}

// Publish delivers one retained or non-retained message with up to
// three attempts. A failed attempt re-checks the connection and
// reconnects before the next try; exhausting all attempts abandons the
// message for this cycle, which is safe because every published value
// is re-derived on the next poll.
func (p *Publisher) Publish(topic string, payload []byte, retain bool) bool {
	if !p.connected.Load() {
		if !p.Connect() {
			metrics.PublishAttempts.WithLabelValues(metrics.ResultError).Inc()
			p.logger.WithField("topic", topic).Warn("dropping publish, broker unreachable")
			return false
		}
	}

	for attempt := 1; attempt <= publishAttempts; attempt++ {
		token := p.client.Publish(topic, p.qos, retain, payload)
		if token.WaitTimeout(p.publishWait) && token.Error() == nil {
			metrics.PublishAttempts.WithLabelValues(metrics.ResultOK).Inc()
			return true
		}

		metrics.PublishAttempts.WithLabelValues(metrics.ResultError).Inc()
		p.logger.WithFields(logrus.Fields{
			"topic":   topic,
			"attempt": attempt,
		}).Warn("mqtt publish attempt failed")

		if attempt < publishAttempts {
			time.Sleep(p.retryPause)
			if !p.connected.Load() {
				p.Connect()
			}
		}
	}

	p.logger.WithField("topic", topic).Error("mqtt publish failed after all attempts")
	return false
}

// Disconnect closes the broker session, allowing in-flight work a
// short quiesce window.
func (p *Publisher) Disconnect() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.connected.Store(false)
}

// connectCause maps broker CONNACK refusals to human-readable causes
// for the logs; it does not change retry behavior.
func connectCause(err error) string {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return "bad username or password"
	case errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return "not authorized"
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return "unacceptable protocol version"
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		return "client id rejected"
	case errors.Is(err, packets.ErrorRefusedServerUnavailable):
		return "broker unavailable"
	default:
		return err.Error()
	}
}
