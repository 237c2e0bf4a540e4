package zmqfeed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/sirupsen/logrus"
)

// Handler consumes the payload frame of one notification.
type Handler func(ctx context.Context, payload []byte)

// Reconnect pacing. The wait doubles after consecutive failures and resets
// once a message comes through.
const (
	initialRedial = 5 * time.Second
	maxRedial     = 10 * time.Second
)

// Listener subscribes to one topic of the node's ZMQ publisher and feeds
// payload frames to its handler. The connection is redialed with backoff on
// any receive error; the node side keeps publishing regardless, so missed
// notifications are recovered by the next confirmation cycle.
type Listener struct {
	endpoint string
	topic    string
	handler  Handler
	log      *logrus.Logger

	connected  atomic.Bool
	received   atomic.Int64
	reconnects atomic.Int64
}

// Stats is the listener's /stats snapshot.
type Stats struct {
	Endpoint   string `json:"endpoint"`
	Topic      string `json:"topic"`
	Connected  bool   `json:"connected"`
	Received   int64  `json:"received"`
	Reconnects int64  `json:"reconnects"`
}

// NewListener builds a listener for one endpoint/topic pair.
func NewListener(endpoint, topic string, handler Handler, log *logrus.Logger) *Listener {
	return &Listener{endpoint: endpoint, topic: topic, handler: handler, log: log}
}

// Run dials, subscribes and receives until the context is cancelled.
func (l *Listener) Run(ctx context.Context) {
	wait := initialRedial
	for {
		before := l.received.Load()
		if err := l.listenOnce(ctx); err != nil {
			l.log.WithError(err).WithFields(logrus.Fields{
				"endpoint": l.endpoint,
				"topic":    l.topic,
			}).Warn("ZMQ subscription lost")
		}
		if ctx.Err() != nil {
			l.log.WithField("topic", l.topic).Info("Stopping ZMQ listener")
			return
		}

		// A session that delivered traffic earns the short redial again.
		if l.received.Load() > before {
			wait = initialRedial
		}

		l.reconnects.Add(1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if wait < maxRedial {
			wait *= 2
			if wait > maxRedial {
				wait = maxRedial
			}
		}
	}
}

// listenOnce runs one dial/subscribe/receive session to completion.
func (l *Listener) listenOnce(ctx context.Context) error {
	sock := zmq4.NewSub(ctx)
	defer sock.Close()

	if err := sock.Dial(l.endpoint); err != nil {
		return err
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, l.topic); err != nil {
		return err
	}
	l.connected.Store(true)
	defer l.connected.Store(false)
	l.log.WithFields(logrus.Fields{
		"endpoint": l.endpoint,
		"topic":    l.topic,
	}).Info("ZMQ subscribed")

	for {
		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		// Node notifications are [topic, payload, sequence]; anything
		// shorter is noise.
		if len(msg.Frames) < 2 {
			l.log.WithField("frames", len(msg.Frames)).Debug("Short ZMQ message")
			continue
		}
		if string(msg.Frames[0]) != l.topic {
			continue
		}
		l.received.Add(1)
		l.handler(ctx, msg.Frames[1])
	}
}

// Snapshot returns the listener counters.
func (l *Listener) Snapshot() Stats {
	return Stats{
		Endpoint:   l.endpoint,
		Topic:      l.topic,
		Connected:  l.connected.Load(),
		Received:   l.received.Load(),
		Reconnects: l.reconnects.Load(),
	}
}
