package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to the event type to form the NATS subject,
// e.g. workbench.events.workflow.completed.
const DefaultSubjectPrefix = "workbench.events"

// NATSBus publishes workbench events on NATS core subjects.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
	// ConnectTimeout bounds the initial dial. Zero uses the nats default.
	ConnectTimeout time.Duration
}

func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.Name("clinical-workbench"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("⚠️ [EVENTBUS] Disconnected from NATS: %v", err)
			}
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	log.Printf("✅ [EVENTBUS] Connected to NATS at %s (prefix %s)", url, prefix)
	return &NATSBus{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject an event type is published on.
func Subject(prefix, eventType string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + eventType
}

func (b *NATSBus) Publish(ctx context.Context, evt CanonicalEvent) error {
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	return b.nc.Publish(Subject(b.prefix, evt.Type), data)
}

// Subscribe delivers every event under the prefix until ctx is done.
func (b *NATSBus) Subscribe(ctx context.Context, handler func(CanonicalEvent)) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(b.prefix+".>", func(msg *nats.Msg) {
		if evt, err := decodeEvent(msg.Data); err == nil {
			handler(evt)
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return sub, nil
}

func (b *NATSBus) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}

func encodeEvent(evt CanonicalEvent) ([]byte, error) {
	if !evt.MinimalValidate() {
		return nil, fmt.Errorf("invalid event: missing required fields")
	}
	return json.Marshal(evt)
}

func decodeEvent(data []byte) (CanonicalEvent, error) {
	var evt CanonicalEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return CanonicalEvent{}, err
	}
	if !evt.MinimalValidate() {
		return CanonicalEvent{}, fmt.Errorf("invalid event: missing required fields")
	}
	return evt, nil
}
