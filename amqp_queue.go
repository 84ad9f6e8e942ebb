package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	messagingExchange = "messaging"

	amqpReconnectDelay = 5 * time.Second
	amqpReInitDelay    = 2 * time.Second
)

func submitQueue(cid string) string { return "submit.sm." + cid }

// submitDelayedQueue names the parking queue for one delay. RabbitMQ
// only expires messages at the queue head, so each distinct delay gets
// its own queue and a short park never waits behind a long one.
func submitDelayedQueue(cid string, delay time.Duration) string {
	return fmt.Sprintf("submit.sm.%s.delayed.%d", cid, delay.Milliseconds())
}

const (
	deliverThrowerQueue     = "deliver_sm_thrower.http"
	dlrThrowerQueue         = "dlr_thrower.http"
	deliverThrowerSMPPQueue = "deliver_sm_thrower.smpps"
	dlrThrowerSMPPQueue     = "dlr_thrower.smpps"
)

// QueuedSubmit is the wire form of an MT message travelling through the
// bus between the admission pipeline and a connector worker.
type QueuedSubmit struct {
	MessageID      string    `json:"message_id"`
	CID            string    `json:"cid"`
	UID            string    `json:"uid"`
	SourceAddr     string    `json:"source_addr"`
	SourceTON      byte      `json:"source_ton"`
	SourceNPI      byte      `json:"source_npi"`
	DestAddr       string    `json:"dest_addr"`
	DestTON        byte      `json:"dest_ton"`
	DestNPI        byte      `json:"dest_npi"`
	Content        string    `json:"content"`
	HexContent     bool      `json:"hex_content"`
	DataCoding     byte      `json:"data_coding"`
	PriorityFlag   byte      `json:"priority_flag"`
	ValidityPeriod time.Time `json:"validity_period"`

	// ScheduleDeliveryTime passes through to the submit_sm untouched,
	// already in SMPP time format.
	ScheduleDeliveryTime string `json:"sdt,omitempty"`

	DLRLevel      int    `json:"dlr_level"`
	DLRMethod     string `json:"dlr_method,omitempty"` // "http" or "smpps"
	DLRHTTPMethod string `json:"dlr_http_method,omitempty"`
	DLRURL        string `json:"dlr_url,omitempty"`
	SystemID      string `json:"system_id,omitempty"`
	SegmentRef     uint16    `json:"segment_ref,omitempty"`
	SegmentTotal   int       `json:"segment_total,omitempty"`
	SegmentSeq     int       `json:"segment_seq,omitempty"`
	SplitMethod    string    `json:"split_method,omitempty"` // "udh" or "sar"
	RegisterDLR    bool      `json:"register_dlr,omitempty"`
	SettleAmount   string    `json:"settle_amount,omitempty"`
	Attempts       int       `json:"attempts"`
	QueuedAt       time.Time `json:"queued_at"`
}

// QueuedThrow is the wire form of an MO message or delivery receipt
// headed for a thrower. HTTP targets carry a callback URL and form
// fields; smpps targets carry the bound system_id and pdu parameters.
type QueuedThrow struct {
	MessageID  string            `json:"message_id"`
	URL        string            `json:"url,omitempty"`
	URLs       []string          `json:"urls,omitempty"`        // ordered failover callbacks
	Method     string            `json:"http_method,omitempty"` // GET sends fields in the query string
	Fields     map[string]string `json:"fields,omitempty"`
	RequireAck bool              `json:"require_ack,omitempty"`

	SystemID   string `json:"system_id,omitempty"`
	SourceAddr string `json:"source_addr,omitempty"`
	DestAddr   string `json:"dest_addr,omitempty"`
	Content    string `json:"content,omitempty"`
	DataCoding byte   `json:"data_coding,omitempty"`
	PDUType    string `json:"pdu_type,omitempty"` // "deliver_sm" or "data_sm"

	Attempts int `json:"attempts"`
}

// MessageBus is an auto-reconnecting AMQP client bound to the messaging
// topic exchange. Connector queues and their delayed companions are
// declared on demand and redeclared after every reconnect.
type MessageBus struct {
	mu              sync.Mutex
	addr            string
	lm              *LogManager
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	isReady         bool
	connectorQueues map[string]bool
	delayedQueues   map[string]bool
	throwerQueues   bool
}

func NewMessageBus(addr string, lm *LogManager) *MessageBus {
	bus := &MessageBus{
		addr:            addr,
		lm:              lm,
		done:            make(chan bool),
		connectorQueues: make(map[string]bool),
		delayedQueues:   make(map[string]bool),
	}
	go bus.handleReconnect()
	return bus
}

func (bus *MessageBus) handleReconnect() {
	for {
		bus.mu.Lock()
		bus.isReady = false
		bus.mu.Unlock()

		conn, err := bus.connect()
		if err != nil {
			bus.lm.SendLog(bus.lm.BuildLog("amqp", "connect failed, retrying",
				logrus.WarnLevel, nil, err))
			select {
			case <-bus.done:
				return
			case <-time.After(amqpReconnectDelay):
			}
			continue
		}

		if done := bus.handleReInit(conn); done {
			break
		}
	}
}

func (bus *MessageBus) connect() (*amqp.Connection, error) {
	conn, err := amqp.Dial(bus.addr)
	if err != nil {
		return nil, err
	}
	bus.changeConnection(conn)
	return conn, nil
}

func (bus *MessageBus) handleReInit(conn *amqp.Connection) bool {
	for {
		bus.mu.Lock()
		bus.isReady = false
		bus.mu.Unlock()

		err := bus.init(conn)
		if err != nil {
			bus.lm.SendLog(bus.lm.BuildLog("amqp", "channel init failed, retrying",
				logrus.WarnLevel, nil, err))
			select {
			case <-bus.done:
				return true
			case <-bus.notifyConnClose:
				return false
			case <-time.After(amqpReInitDelay):
			}
			continue
		}

		select {
		case <-bus.done:
			return true
		case <-bus.notifyConnClose:
			return false
		case <-bus.notifyChanClose:
			bus.lm.SendLog(bus.lm.BuildLog("amqp", "channel closed, re-initializing",
				logrus.WarnLevel, nil))
		}
	}
}

func (bus *MessageBus) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(messagingExchange, "topic",
		true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	bus.changeChannel(ch)

	bus.mu.Lock()
	cids := make([]string, 0, len(bus.connectorQueues))
	for cid := range bus.connectorQueues {
		cids = append(cids, cid)
	}
	throwers := bus.throwerQueues
	bus.mu.Unlock()

	for _, cid := range cids {
		if err := bus.declareConnectorQueues(ch, cid); err != nil {
			return err
		}
	}
	if throwers {
		if err := bus.declareThrowerQueues(ch); err != nil {
			return err
		}
	}

	bus.mu.Lock()
	bus.delayedQueues = make(map[string]bool) // redeclared on demand
	bus.isReady = true
	bus.mu.Unlock()
	return nil
}

func (bus *MessageBus) changeConnection(conn *amqp.Connection) {
	bus.connection = conn
	bus.notifyConnClose = make(chan *amqp.Error, 1)
	bus.connection.NotifyClose(bus.notifyConnClose)
}

func (bus *MessageBus) changeChannel(ch *amqp.Channel) {
	bus.channel = ch
	bus.notifyChanClose = make(chan *amqp.Error, 1)
	bus.notifyConfirm = make(chan amqp.Confirmation, 1)
	bus.channel.NotifyClose(bus.notifyChanClose)
	bus.channel.NotifyPublish(bus.notifyConfirm)
}

func (bus *MessageBus) declareConnectorQueues(ch *amqp.Channel, cid string) error {
	q := submitQueue(cid)
	if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", q, err)
	}
	if err := ch.QueueBind(q, q, messagingExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q, err)
	}
	return nil
}

func (bus *MessageBus) declareThrowerQueues(ch *amqp.Channel) error {
	for _, q := range []string{deliverThrowerQueue, dlrThrowerQueue,
		deliverThrowerSMPPQueue, dlrThrowerSMPPQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
		if err := ch.QueueBind(q, q, messagingExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q, err)
		}
	}
	return nil
}

// EnsureConnectorQueues declares a connector's live queue, remembering
// it for redeclaration after reconnects.
func (bus *MessageBus) EnsureConnectorQueues(cid string) error {
	bus.mu.Lock()
	bus.connectorQueues[cid] = true
	ready := bus.isReady
	ch := bus.channel
	bus.mu.Unlock()
	if !ready || ch == nil {
		return nil // declared on (re)connect
	}
	return bus.declareConnectorQueues(ch, cid)
}

// EnsureThrowerQueues declares the deliver_sm and dlr thrower queues.
func (bus *MessageBus) EnsureThrowerQueues() error {
	bus.mu.Lock()
	bus.throwerQueues = true
	ready := bus.isReady
	ch := bus.channel
	bus.mu.Unlock()
	if !ready || ch == nil {
		return nil
	}
	return bus.declareThrowerQueues(ch)
}

// Publish routes data through the messaging exchange and waits for the
// broker's confirm, retrying until the bus is usable.
func (bus *MessageBus) Publish(routingKey string, data []byte) error {
	for {
		bus.mu.Lock()
		ready := bus.isReady && bus.channel != nil
		bus.mu.Unlock()
		if !ready {
			select {
			case <-bus.done:
				return fmt.Errorf("%w: message bus closed", ErrTransport)
			case <-time.After(2 * time.Second):
			}
			continue
		}

		if err := bus.UnsafePublish(routingKey, data); err != nil {
			time.Sleep(amqpReconnectDelay)
			continue
		}

		confirm := <-bus.notifyConfirm
		if confirm.Ack {
			return nil
		}
	}
}

// UnsafePublish publishes without waiting for a confirm.
func (bus *MessageBus) UnsafePublish(routingKey string, data []byte) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	if !bus.isReady || bus.channel == nil {
		return fmt.Errorf("%w: message bus not ready", ErrTransport)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return bus.channel.PublishWithContext(ctx,
		messagingExchange, routingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         data,
		})
}

// PublishDelayed parks data on a per-delay queue whose queue-level TTL
// dead-letters it back onto the connector's live queue once the delay
// elapses.
func (bus *MessageBus) PublishDelayed(cid string, data []byte, delay time.Duration) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	if !bus.isReady || bus.channel == nil {
		return fmt.Errorf("%w: message bus not ready", ErrTransport)
	}

	q := submitDelayedQueue(cid, delay)
	if !bus.delayedQueues[q] {
		if _, err := bus.channel.QueueDeclare(q, true, false, false, false, amqp.Table{
			"x-message-ttl":             delay.Milliseconds(),
			"x-dead-letter-exchange":    messagingExchange,
			"x-dead-letter-routing-key": submitQueue(cid),
		}); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
		bus.delayedQueues[q] = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return bus.channel.PublishWithContext(ctx,
		"", q, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         data,
		})
}

// Consume opens a prefetch-1 consumer on a queue. The consumer tag lets
// the caller cancel cleanly when a connector stops.
func (bus *MessageBus) Consume(queueName, consumerTag string) (<-chan amqp.Delivery, error) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	if !bus.isReady || bus.channel == nil {
		return nil, fmt.Errorf("%w: message bus not ready", ErrTransport)
	}

	if err := bus.channel.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return bus.channel.Consume(queueName, consumerTag, false, false, false, false, nil)
}

// CancelConsumer stops a consumer without tearing down the channel.
func (bus *MessageBus) CancelConsumer(consumerTag string) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.channel == nil {
		return nil
	}
	return bus.channel.Cancel(consumerTag, false)
}

// Ready reports whether the bus currently has a usable channel.
func (bus *MessageBus) Ready() bool {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.isReady
}

// Close shuts the channel and connection down for good.
func (bus *MessageBus) Close() error {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	if !bus.isReady {
		return fmt.Errorf("connection already closed")
	}
	close(bus.done)
	if err := bus.channel.Close(); err != nil {
		return err
	}
	if err := bus.connection.Close(); err != nil {
		return err
	}
	bus.isReady = false
	return nil
}
