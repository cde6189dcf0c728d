package consumer

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"k8s.io/klog/v2"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/bus"
	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/schedule"
)

const reconnectDelay = 2 * time.Second

// forwarder abstracts the target-service client for testing.
type forwarder interface {
	Forward(ctx context.Context, envelope bus.RequestEnvelope, flavour string) (bus.ReplyEnvelope, error)
}

// Consumer drains the per-flavour queues of one routed service.
type Consumer struct {
	namespace string
	service   string
	conn      *bus.Connection
	schedules *schedule.Manager
	throttle  *ProcessingThrottle
	forward   forwarder
	chooser   *schedule.Chooser
	perQueue  int
}

// New assembles a consumer for one routed service. A nil throttle disables
// the processing gate and leaves the per-queue semaphores as the only cap.
func New(namespace, service string, conn *bus.Connection, schedules *schedule.Manager, throttle *ProcessingThrottle, fwd *Forwarder, perQueue int) *Consumer {
	if perQueue < 1 {
		perQueue = 1
	}
	return &Consumer{
		namespace: namespace,
		service:   service,
		conn:      conn,
		schedules: schedules,
		throttle:  throttle,
		forward:   fwd,
		chooser:   schedule.NewChooser(),
		perQueue:  perQueue,
	}
}

// Workers returns a manager that runs one consumeFlavour worker per
// scheduled flavour.
func (c *Consumer) Workers() *FlavourWorkerManager {
	return NewFlavourWorkerManager(c.consumeFlavour)
}

// consumeFlavour keeps one flavour queue drained, reconnecting on channel
// loss until the context is cancelled.
func (c *Consumer) consumeFlavour(ctx context.Context, flavour string) {
	for ctx.Err() == nil {
		if err := c.consumeOnce(ctx, flavour); err != nil {
			klog.ErrorS(err, "Flavour consumer lost its channel",
				"flavour", flavour, "retryIn", reconnectDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, flavour string) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := bus.DeclareTopology(ch, c.namespace, c.service); err != nil {
		return err
	}
	queue, err := bus.DeclareFlavourQueue(ch, c.namespace, c.service, flavour)
	if err != nil {
		return err
	}
	if err := ch.Qos(c.perQueue, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	klog.InfoS("Consuming flavour queue", "queue", queue.Name)

	sem := make(chan struct{}, c.perQueue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			sem <- struct{}{}
			go func(d amqp.Delivery) {
				defer func() { <-sem }()
				c.handleDelivery(ctx, ch, flavour, d)
			}(d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, ch *amqp.Channel, queueFlavour string, d amqp.Delivery) {
	if c.throttle != nil {
		if !c.throttle.Acquire() {
			nack(d)
			return
		}
		defer c.throttle.Release()
	}
	MessagesTotal.WithLabelValues("queue", queueFlavour).Inc()

	reply, err := c.process(ctx, queueFlavour, d.Body)
	if err != nil {
		klog.ErrorS(err, "Processing failed",
			"flavour", queueFlavour, "correlationID", d.CorrelationId)
		c.publishReply(ctx, ch, d, bus.ErrorReply(500, err.Error()))
		nack(d)
		return
	}

	c.publishReply(ctx, ch, d, reply)
	if err := d.Ack(false); err != nil {
		klog.ErrorS(err, "Ack failed", "correlationID", d.CorrelationId)
	}
}

// process decodes one message, settles the effective flavour and forwards.
func (c *Consumer) process(ctx context.Context, queueFlavour string, body []byte) (bus.ReplyEnvelope, error) {
	envelope, err := bus.DecodeRequest(body)
	if err != nil {
		return bus.ReplyEnvelope{}, err
	}
	flavour := c.effectiveFlavour(envelope, queueFlavour)

	start := time.Now()
	reply, err := c.forward.Forward(ctx, envelope, flavour)
	ForwardDuration.WithLabelValues(flavour).Observe(time.Since(start).Seconds())
	return reply, err
}

// effectiveFlavour re-picks the flavour when the schedule delegates routing
// to the consumer. Requests the router marked forced keep their queue's
// flavour; a pin the router did not honour carries no mark and is re-picked.
func (c *Consumer) effectiveFlavour(envelope bus.RequestEnvelope, queueFlavour string) string {
	ts := c.schedules.Snapshot()
	if ts.RoutingEvaluator != "consumer" {
		return queueFlavour
	}
	if envelope.Forced {
		return queueFlavour
	}
	picked, err := c.chooser.Pick(ts.Weights())
	if err != nil {
		return queueFlavour
	}
	return picked
}

func (c *Consumer) publishReply(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, reply bus.ReplyEnvelope) {
	if d.ReplyTo == "" {
		return
	}
	encoded, err := reply.Encode()
	if err != nil {
		klog.ErrorS(err, "Reply encoding failed", "correlationID", d.CorrelationId)
		return
	}
	err = ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Body:          encoded,
	})
	if err != nil {
		klog.ErrorS(err, "Reply publish failed", "correlationID", d.CorrelationId)
	}
}

func nack(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		klog.ErrorS(err, "Nack failed", "correlationID", d.CorrelationId)
	}
}
