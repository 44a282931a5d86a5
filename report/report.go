// package report publishes flash job outcomes to an MQTT broker so host
// runs of the driver can be followed remotely.
package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
)

// Event is the outcome of one flash job.
type Event struct {
	Job    string
	Mode   string
	Addr   uint32
	Len    uint32
	Result string
	// Ticks is the number of MainFunction calls or interrupts it took.
	Ticks    int
	Duration time.Duration
	Err      string
}

var errBadEvent = errors.New("report: malformed event")

// AppendText appends e as space separated key=value pairs. Err is last
// and runs to the end of the line.
func (e Event) AppendText(b []byte) []byte {
	b = append(b, "job="...)
	b = append(b, e.Job...)
	b = append(b, " mode="...)
	b = append(b, e.Mode...)
	b = append(b, " addr=0x"...)
	b = strconv.AppendUint(b, uint64(e.Addr), 16)
	b = append(b, " len="...)
	b = strconv.AppendUint(b, uint64(e.Len), 10)
	b = append(b, " result="...)
	b = append(b, e.Result...)
	b = append(b, " ticks="...)
	b = strconv.AppendInt(b, int64(e.Ticks), 10)
	b = append(b, " dur="...)
	b = append(b, e.Duration.String()...)
	if e.Err != "" {
		b = append(b, " err="...)
		b = append(b, e.Err...)
	}
	return b
}

func (e Event) String() string { return string(e.AppendText(nil)) }

// ParseEvent parses the output of AppendText.
func ParseEvent(text []byte) (e Event, err error) {
	s := string(text)
	if i := strings.Index(s, " err="); i >= 0 {
		e.Err = s[i+len(" err="):]
		s = s[:i]
	}
	seen := 0
	for _, field := range strings.Fields(s) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			return e, errBadEvent
		}
		var u uint64
		switch key {
		case "job":
			e.Job = val
		case "mode":
			e.Mode = val
		case "result":
			e.Result = val
		case "addr":
			u, err = strconv.ParseUint(strings.TrimPrefix(val, "0x"), 16, 32)
			e.Addr = uint32(u)
		case "len":
			u, err = strconv.ParseUint(val, 10, 32)
			e.Len = uint32(u)
		case "ticks":
			e.Ticks, err = strconv.Atoi(val)
		case "dur":
			e.Duration, err = time.ParseDuration(val)
		default:
			return e, errBadEvent
		}
		if err != nil {
			return e, errors.Join(errBadEvent, err)
		}
		seen++
	}
	if seen != 7 {
		return e, errBadEvent
	}
	return e, nil
}

type PublisherConfig struct {
	ClientID string
	Topic    string
	Logger   *slog.Logger
	// OnPub is called for messages received on subscribed topics.
	OnPub func(topic string, payload io.Reader) error
	// BufSize is the decoder buffer size. Zero selects 1024.
	BufSize int
}

// Publisher sends Events as QoS0 messages to a single topic.
type Publisher struct {
	client  *mqtt.Client
	varconn mqtt.VariablesConnect
	flags   mqtt.PacketFlags
	pubVar  mqtt.VariablesPublish
	buf     []byte
	logger  *slog.Logger
}

// NewPublisher returns a disconnected Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Topic == "" || cfg.ClientID == "" {
		return nil, errors.New("report: missing topic or client ID")
	}
	if cfg.BufSize == 0 {
		cfg.BufSize = 1024
	}
	flags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		flags:  flags,
		logger: cfg.Logger,
		pubVar: mqtt.VariablesPublish{
			TopicName:        []byte(cfg.Topic),
			PacketIdentifier: 1,
		},
	}
	p.varconn.SetDefaultMQTT([]byte(cfg.ClientID))
	p.client = mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, cfg.BufSize)},
		OnPub: func(pubHead mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
			p.info("mqtt:received", slog.String("topic", string(varPub.TopicName)))
			if cfg.OnPub != nil {
				return cfg.OnPub(string(varPub.TopicName), r)
			}
			return nil
		},
	})
	return p, nil
}

// Connect starts an MQTT session over rwc and reads packets until the
// broker acknowledges it. rwc should carry a deadline.
func (p *Publisher) Connect(rwc io.ReadWriteCloser) error {
	p.info("mqtt:start-connecting")
	err := p.client.StartConnect(rwc, &p.varconn)
	if err != nil {
		p.logerr("mqtt:start-connect-failed", slog.String("reason", err.Error()))
		return err
	}
	for retries := 8; retries > 0 && !p.client.IsConnected(); retries-- {
		err = p.client.HandleNext()
		if err != nil {
			break
		}
	}
	if !p.client.IsConnected() {
		if err == nil {
			err = p.client.Err()
		}
		if err == nil {
			err = errors.New("report: broker did not acknowledge connection")
		}
		p.logerr("mqtt:connect-failed", slog.String("reason", err.Error()))
		return err
	}
	p.info("mqtt:connected")
	return nil
}

// Connected reports whether the MQTT session is up.
func (p *Publisher) Connected() bool { return p.client.IsConnected() }

// Publish sends e.
func (p *Publisher) Publish(e Event) error {
	p.buf = e.AppendText(p.buf[:0])
	p.pubVar.PacketIdentifier++
	err := p.client.PublishPayload(p.flags, p.pubVar, p.buf)
	if err != nil {
		p.logerr("mqtt:publish-failed", slog.String("reason", err.Error()))
		return err
	}
	p.debug("mqtt:published", slog.Uint64("packetID", uint64(p.pubVar.PacketIdentifier)), slog.String("job", e.Job))
	return nil
}

func (p *Publisher) logerr(msg string, attrs ...slog.Attr) {
	p.logattrs(slog.LevelError, msg, attrs...)
}

func (p *Publisher) info(msg string, attrs ...slog.Attr) {
	p.logattrs(slog.LevelInfo, msg, attrs...)
}

func (p *Publisher) debug(msg string, attrs ...slog.Attr) {
	p.logattrs(slog.LevelDebug, msg, attrs...)
}

func (p *Publisher) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
