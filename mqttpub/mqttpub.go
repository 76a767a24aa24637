/*Package mqttpub publishes poll loop snapshots to an MQTT broker and accepts
set requests from it.

For an instrument named lakeshore350 and the default prefix, the topics are

	cryoctl/lakeshore350/status             online, offline or fault (retained)
	cryoctl/lakeshore350/snapshot           the snapshot as JSON
	cryoctl/lakeshore350/channel/sensor_A   the latest valid value, as text (retained)
	cryoctl/lakeshore350/set/setpoint_1     subscribed; payload 122.5 or {"f64": 122.5}
*/
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/cryolab/cryoctl/poller"
	"github.com/cryolab/cryoctl/server"
)

// DefaultConnectTimeout is used when Config.ConnectTimeout is zero
const DefaultConnectTimeout = 30 * time.Second

// Config holds the broker connection parameters
type Config struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883
	Broker string `yaml:"Broker" koanf:"Broker"`

	// ClientID is suffixed with the instrument name
	ClientID string `yaml:"ClientID" koanf:"ClientID"`

	Username string `yaml:"Username" koanf:"Username"`
	Password string `yaml:"Password" koanf:"Password"`

	// Prefix is the first level of every topic
	Prefix string `yaml:"Prefix" koanf:"Prefix"`

	// QoS is used for every publish and subscription
	QoS byte `yaml:"QoS" koanf:"QoS"`

	// ConnectTimeout bounds Connect, retries included.  Once connected,
	// lost connections are re-established in the background.
	ConnectTimeout time.Duration `yaml:"ConnectTimeout" koanf:"ConnectTimeout"`
}

// DefaultConfig returns a config for a broker on localhost
func DefaultConfig() Config {
	return Config{Broker: "tcp://localhost:1883", ClientID: "cryoctl", Prefix: "cryoctl", QoS: 1,
		ConnectTimeout: DefaultConnectTimeout}
}

// Setter is the part of a poller.Loop that accepts set requests
type Setter interface {
	RequestSet(string, float64) error
}

// Topics holds the topic names for one instrument
type Topics struct {
	Status   string
	Snapshot string
	Channel  string // prefix, the channel name is appended
	Set      string // prefix, the parameter name is appended
}

// NewTopics returns the topics for instrument under prefix
func NewTopics(prefix, instrument string) Topics {
	base := strings.Trim(prefix, "/") + "/" + instrument
	return Topics{
		Status:   base + "/status",
		Snapshot: base + "/snapshot",
		Channel:  base + "/channel/",
		Set:      base + "/set/"}
}

// Publisher is a poller.Consumer that mirrors snapshots to MQTT
type Publisher struct {
	cfg    Config
	topics Topics
	loop   Setter
	client paho.Client

	// publish is swapped out in tests
	publish func(topic string, retained bool, payload []byte) error
}

// New creates a Publisher for one instrument.  It does not connect; call
// Connect before passing the Publisher to a loop.
func New(cfg Config, instrument string, loop Setter) *Publisher {
	if cfg.Prefix == "" {
		cfg.Prefix = "cryoctl"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	p := &Publisher{
		cfg:    cfg,
		topics: NewTopics(cfg.Prefix, instrument),
		loop:   loop}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID + "_" + instrument)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(p.topics.Status, "offline", cfg.QoS, true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		if err := p.publish(p.topics.Status, true, []byte("online")); err != nil {
			log.Printf("mqtt: error publishing online status, %v", err)
		}
		if tok := c.Subscribe(p.topics.Set+"+", cfg.QoS, p.onMessage); tok.Wait() && tok.Error() != nil {
			log.Printf("mqtt: error subscribing to %s+, %v", p.topics.Set, tok.Error())
		}
	})
	opts.SetConnectionLostHandler(func(c paho.Client, err error) {
		log.Printf("mqtt: connection to %s lost, %v", cfg.Broker, err)
	})
	p.client = paho.NewClient(opts)
	p.publish = p.clientPublish
	return p
}

// Topics returns the topics the publisher uses
func (p *Publisher) Topics() Topics {
	return p.topics
}

// Connect connects to the broker, retrying with exponential backoff until
// ConnectTimeout has elapsed or ctx is done
func (p *Publisher) Connect(ctx context.Context) error {
	op := func() error {
		tok := p.client.Connect()
		tok.Wait()
		return tok.Error()
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = p.cfg.ConnectTimeout
	notify := func(err error, d time.Duration) {
		log.Printf("mqtt: connecting to %s failed, retrying in %s, %v", p.cfg.Broker, d, err)
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// Disconnect publishes an offline status and disconnects
func (p *Publisher) Disconnect() {
	if p.client.IsConnected() {
		p.publish(p.topics.Status, true, []byte("offline"))
		p.client.Disconnect(250)
	}
}

func (p *Publisher) clientPublish(topic string, retained bool, payload []byte) error {
	tok := p.client.Publish(topic, p.cfg.QoS, retained, payload)
	if !tok.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt: timeout publishing to %s", topic)
	}
	return tok.Error()
}

// OnSnapshot publishes s and the value of each valid channel
func (p *Publisher) OnSnapshot(s poller.Snapshot) {
	b, err := json.Marshal(s)
	if err != nil {
		log.Printf("mqtt: error encoding snapshot, %v", err)
		return
	}
	if err := p.publish(p.topics.Snapshot, false, b); err != nil {
		log.Printf("mqtt: %v", err)
		return
	}
	for _, f := range s.Fields() {
		if !f.Valid || f.Stale {
			continue
		}
		v := strconv.FormatFloat(f.Value, 'g', -1, 64)
		if err := p.publish(p.topics.Channel+f.Name, true, []byte(v)); err != nil {
			log.Printf("mqtt: %v", err)
			return
		}
	}
}

// OnFatalError publishes a fault status
func (p *Publisher) OnFatalError(err error) {
	if e := p.publish(p.topics.Status, true, []byte("fault")); e != nil {
		log.Printf("mqtt: error publishing fault status, %v", e)
	}
}

func (p *Publisher) onMessage(_ paho.Client, msg paho.Message) {
	if err := p.handleSet(msg.Topic(), msg.Payload()); err != nil {
		log.Printf("mqtt: set from %s rejected, %v", msg.Topic(), err)
	}
}

// handleSet parses a message on a set topic and queues the request
func (p *Publisher) handleSet(topic string, payload []byte) error {
	if !strings.HasPrefix(topic, p.topics.Set) {
		return fmt.Errorf("mqtt: %s is not a set topic", topic)
	}
	name := strings.TrimPrefix(topic, p.topics.Set)
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("mqtt: bad parameter in topic %s", topic)
	}
	v, err := ParseValue(payload)
	if err != nil {
		return err
	}
	return p.loop.RequestSet(name, v)
}

// ParseValue accepts a bare number or {"f64": number}.  NaN and infinities
// are rejected.
func ParseValue(payload []byte) (float64, error) {
	txt := strings.TrimSpace(string(payload))
	var v float64
	switch {
	case txt == "":
		return 0, errors.New("mqtt: empty payload")
	case strings.HasPrefix(txt, "{"):
		f := server.FloatT{}
		if err := json.Unmarshal([]byte(txt), &f); err != nil {
			return 0, err
		}
		v = f.F64
	default:
		var err error
		v, err = strconv.ParseFloat(txt, 64)
		if err != nil {
			return 0, err
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("mqtt: %q is not a finite number", txt)
	}
	return v, nil
}
