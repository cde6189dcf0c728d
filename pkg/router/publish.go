package router

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"k8s.io/klog/v2"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/bus"
)

const reconnectDelay = 2 * time.Second

// BrokerPublisher publishes request envelopes to the service's headers
// exchange. Replies arrive on the same channel, as direct reply-to requires,
// so the channel is swapped whole when the broker link is re-established.
type BrokerPublisher struct {
	mu        sync.Mutex
	ch        *amqp.Channel
	exchange  string
	namespace string
	service   string
}

func (p *BrokerPublisher) swap(ch *amqp.Channel) {
	p.mu.Lock()
	p.ch = ch
	p.mu.Unlock()
}

func (p *BrokerPublisher) channel() *amqp.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch
}

// ConnectBroker declares the topology, starts the reply consumer feeding
// rt.Resolve and wires the resulting publisher into the router. The broker
// link is re-established with backoff until the context is cancelled; the
// topology is re-declared on every reconnect.
func (rt *Router) ConnectBroker(ctx context.Context, conn *bus.Connection) error {
	ch, deliveries, err := rt.openReplyChannel(conn)
	if err != nil {
		return err
	}

	p := &BrokerPublisher{
		ch:        ch,
		exchange:  bus.ExchangeName(rt.namespace, rt.service),
		namespace: rt.namespace,
		service:   rt.service,
	}
	rt.publisher = p

	connect := func() (*amqp.Channel, <-chan amqp.Delivery, error) {
		return rt.openReplyChannel(conn)
	}
	go rt.replyLoop(ctx, p, connect, deliveries)
	return nil
}

func (rt *Router) openReplyChannel(conn *bus.Connection) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := bus.DeclareTopology(ch, rt.namespace, rt.service); err != nil {
		return nil, nil, err
	}
	deliveries, err := ch.Consume(bus.ReplyToQueue, "", true, false, false, false, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("consume reply queue: %w", err)
	}
	return ch, deliveries, nil
}

// replyLoop drains broker replies into the pending map. A closed delivery
// channel means the broker link is gone: reconnect, re-declare and swap the
// publisher's channel, then resume draining.
func (rt *Router) replyLoop(ctx context.Context, p *BrokerPublisher, connect func() (*amqp.Channel, <-chan amqp.Delivery, error), deliveries <-chan amqp.Delivery) {
	for {
		rt.drainReplies(deliveries)
		if ctx.Err() != nil {
			return
		}
		klog.InfoS("Reply channel lost, reconnecting",
			"namespace", rt.namespace, "service", rt.service)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			ch, next, err := connect()
			if err != nil {
				klog.ErrorS(err, "Broker reconnect failed", "retryIn", reconnectDelay)
				continue
			}
			p.swap(ch)
			deliveries = next
			klog.InfoS("Broker link restored")
			break
		}
	}
}

func (rt *Router) drainReplies(deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		reply, err := bus.DecodeReply(delivery.Body)
		if err != nil {
			klog.ErrorS(err, "Malformed reply", "correlationID", delivery.CorrelationId)
			continue
		}
		rt.Resolve(delivery.CorrelationId, reply)
	}
}

// Publish sends one envelope with broker-side TTL equal to the request
// deadline, so expired requests are shed instead of processed.
func (p *BrokerPublisher) Publish(ctx context.Context, flavour, correlationID string, expiration time.Duration, body []byte) error {
	return p.channel().PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       bus.ReplyToQueue,
		Expiration:    strconv.FormatInt(expiration.Milliseconds(), 10),
		Headers: amqp.Table{
			"q_type":    queueType,
			"flavour":   flavour,
			"namespace": p.namespace,
			"service":   p.service,
		},
		Body: body,
	})
}
