package bus

import (
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	amqp "github.com/rabbitmq/amqp091-go"
	"k8s.io/klog/v2"
)

// ReplyToQueue is the broker's direct-reply pseudo-queue. Consuming from it
// in no-ack mode turns the publishing channel into an RPC reply channel.
const ReplyToQueue = "amq.rabbitmq.reply-to"

// ExchangeName returns the headers-exchange name of one routed service.
func ExchangeName(namespace, service string) string {
	return namespace + "." + service
}

// QueueName returns the per-flavour queue name of one routed service.
func QueueName(namespace, service, flavour string) string {
	return namespace + "." + service + ".queue." + flavour
}

// Connection wraps an AMQP connection with lazy reconnects. Channels are
// cheap; callers open one per consumer or publisher and re-open through
// Channel after a broker disconnect.
type Connection struct {
	url  string
	mu   sync.Mutex
	conn *amqp.Connection
}

// Dial connects to the broker, retrying while it comes up.
func Dial(url string) (*Connection, error) {
	c := &Connection{url: url}
	err := retry.Do(
		func() error {
			conn, err := amqp.Dial(url)
			if err != nil {
				return err
			}
			c.conn = conn
			return nil
		},
		retry.Attempts(10),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			klog.ErrorS(err, "Broker connection failed, retrying", "attempt", n+1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return c, nil
}

// Channel opens a channel, re-dialling first if the connection dropped.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("redial broker: %w", err)
		}
		klog.InfoS("Broker connection re-established")
		c.conn = conn
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// Close shuts the underlying connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// DeclareTopology declares the durable headers exchange of one service.
// Declarations are idempotent, so this runs on every (re)connect.
func DeclareTopology(ch *amqp.Channel, namespace, service string) error {
	name := ExchangeName(namespace, service)
	if err := ch.ExchangeDeclare(name, "headers", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// DeclareFlavourQueue declares one durable flavour queue and binds it to the
// service exchange with an all-headers match.
func DeclareFlavourQueue(ch *amqp.Channel, namespace, service, flavour string) (amqp.Queue, error) {
	name := QueueName(namespace, service, flavour)
	queue, err := ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("declare queue %s: %w", name, err)
	}

	args := amqp.Table{
		"x-match": "all",
		"q_type":  "queue",
		"flavour": flavour,
	}
	if err := ch.QueueBind(name, "", ExchangeName(namespace, service), false, args); err != nil {
		return amqp.Queue{}, fmt.Errorf("bind queue %s: %w", name, err)
	}
	return queue, nil
}
