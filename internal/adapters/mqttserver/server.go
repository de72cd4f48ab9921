package mqttserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Options configures the device status connection.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLSCA     string
	TLSCert   string
	TLSKey    string
	Timeout   time.Duration
	Logger    *zap.Logger
}

// Client is the device's status transport: the daemon publishes retained
// presence/state documents and play events through it, and billctl reads
// them back. Status is optional for a billboard, so callers tolerate a
// nil *Client.
type Client struct {
	client  paho.Client
	log     *zap.Logger
	timeout time.Duration
}

// NewClient connects to the broker.
func NewClient(opts Options) (*Client, error) {
	if opts.BrokerURL == "" {
		return nil, errors.New("broker url required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	tlsConfig, err := buildTLSConfig(opts.TLSCA, opts.TLSCert, opts.TLSKey)
	if err != nil {
		return nil, err
	}

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetConnectTimeout(opts.Timeout).
		SetAutoReconnect(true)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	client := paho.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return &Client{client: client, log: opts.Logger, timeout: opts.Timeout}, nil
}

// PublishJSON marshals a status document and publishes it. The daemon's
// presence, player state, and play events all go through here.
func (c *Client) PublishJSON(topic string, qos byte, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.log.Debug("publish status", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

// ReadRetained returns the retained document on a topic, or an error when
// nothing arrives before the context ends. Because the daemon publishes
// its state retained, one subscribe round-trip answers "what is playing
// right now".
func (c *Client) ReadRetained(ctx context.Context, topic string) ([]byte, error) {
	payloads := make(chan []byte, 1)
	handler := func(_ paho.Client, msg paho.Message) {
		select {
		case payloads <- msg.Payload():
		default:
		}
	}
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	defer func() {
		token := c.client.Unsubscribe(topic)
		token.Wait()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload := <-payloads:
		return payload, nil
	}
}

// Watch streams every document published on a topic. The returned stop
// function unsubscribes; the channel stays open (watch sessions end with
// the process). Slow consumers drop messages rather than stall the
// broker connection.
func (c *Client) Watch(topic string) (<-chan []byte, func(), error) {
	payloads := make(chan []byte, 8)
	handler := func(_ paho.Client, msg paho.Message) {
		select {
		case payloads <- msg.Payload():
		default:
			c.log.Debug("watch consumer lagging, dropping", zap.String("topic", topic))
		}
	}
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return nil, nil, token.Error()
	}
	stop := func() {
		token := c.client.Unsubscribe(topic)
		token.Wait()
	}
	return payloads, stop, nil
}

// Disconnect closes the connection, allowing in-flight messages to drain.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

func buildTLSConfig(caPath, certPath, keyPath string) (*tls.Config, error) {
	if caPath == "" && certPath == "" && keyPath == "" {
		return nil, nil
	}

	config := &tls.Config{}
	if caPath != "" {
		pool, err := loadRootCAs(caPath)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, errors.New("both tls cert and key are required")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config, nil
}

func loadRootCAs(caPath string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("failed to parse CA bundle")
	}
	return pool, nil
}
