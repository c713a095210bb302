package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-bridge/bridge"
	"github.com/glimte/mmate-bridge/contracts"
	"github.com/glimte/mmate-bridge/internal/rabbitmq"
	"github.com/glimte/mmate-bridge/internal/reliability"
	"github.com/glimte/mmate-bridge/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type deliveryHandler func(ctx context.Context, d amqp.Delivery) error

// fakeBroker routes publishes to bound handlers, one goroutine per delivery
type fakeBroker struct {
	mu        sync.Mutex
	queues    map[string]deliveryHandler
	published map[string][]amqp.Publishing
	errs      chan error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:    make(map[string]deliveryHandler),
		published: make(map[string][]amqp.Publishing),
		errs:      make(chan error, 16),
	}
}

func (b *fakeBroker) bind(queue string, h deliveryHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queue] = h
}

func (b *fakeBroker) Publish(_ context.Context, queue string, msg amqp.Publishing) error {
	b.mu.Lock()
	b.published[queue] = append(b.published[queue], msg)
	h, ok := b.queues[queue]
	b.mu.Unlock()

	if !ok {
		return &rabbitmq.PublishError{Queue: queue, MessageID: msg.MessageId, Err: rabbitmq.ErrPublishReturned}
	}
	if h == nil {
		return nil
	}
	go func() {
		d := amqp.Delivery{MessageId: msg.MessageId, ReplyTo: msg.ReplyTo, Headers: msg.Headers, Body: msg.Body}
		if err := h(context.Background(), d); err != nil {
			b.errs <- err
		}
	}()
	return nil
}

func (b *fakeBroker) sent(queue string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Publishing(nil), b.published[queue]...)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	return m.Called(ctx, queue, msg).Error(0)
}

// orderService answers requests and wants to hear about acknowledgements
type orderService struct {
	fn   func(ex *contracts.Exchange) error
	done chan *contracts.Exchange
}

func newOrderService(fn func(ex *contracts.Exchange) error) *orderService {
	return &orderService{fn: fn, done: make(chan *contracts.Exchange, 1)}
}

func (s *orderService) Process(_ context.Context, ex *contracts.Exchange) error {
	return s.fn(ex)
}

func (s *orderService) ExchangeDone(_ context.Context, ex *contracts.Exchange) {
	s.done <- ex
}

func newTestTransport(t *testing.T, pub publisher, replyQueue string) *Transport {
	t.Helper()
	tr := newTransport(pub, newConfig(nil))
	tr.replyQueue = replyQueue
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func newRequest(t *testing.T, p contracts.Pattern, body string) *contracts.Exchange {
	t.Helper()
	ex, err := contracts.NewExchange(p)
	require.NoError(t, err)
	require.NoError(t, ex.SetIn(contracts.NewMessage("application/json", []byte(body))))
	require.NoError(t, ex.SetTarget(contracts.Target{Service: "orders", Operation: "create"}, "orders.create"))
	return ex
}

// wire connects a consumer transport and a provider transport through broker
func wire(t *testing.T, broker *fakeBroker, svc messaging.Processor) (*Transport, *Transport) {
	t.Helper()
	consumer := newTestTransport(t, broker, "reply.consumer")
	provider := newTestTransport(t, broker, "reply.provider")
	broker.bind("reply.consumer", consumer.handleReply)
	broker.bind("reply.provider", provider.handleReply)
	broker.bind("orders.create", func(ctx context.Context, d amqp.Delivery) error {
		return provider.handleRequest(ctx, svc, d)
	})
	return consumer, provider
}

func TestTransport_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes a request envelope", func(t *testing.T) {
		broker := newFakeBroker()
		broker.bind("orders.create", nil)
		tr := newTestTransport(t, broker, "reply.consumer")

		ex := newRequest(t, contracts.RequestReply, `{"sku":"a"}`)
		ex.SetProperty("tenant", "acme")
		ex.SetProperty(bridge.PropertyAsync, true)

		require.NoError(t, tr.Send(ctx, ex))
		assert.Equal(t, 1, tr.InFlight())

		sent := broker.sent("orders.create")
		require.Len(t, sent, 1)
		msg := sent[0]
		assert.Equal(t, ex.ID(), msg.MessageId)
		assert.Equal(t, ex.ID(), msg.CorrelationId)
		assert.Equal(t, "reply.consumer", msg.ReplyTo)
		assert.Equal(t, "request", msg.Type)
		assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
		assert.Equal(t, "request", msg.Headers[headerKind])
		assert.Equal(t, contracts.RequestReply.String(), msg.Headers[headerPattern])
		assert.Equal(t, "acme", msg.Headers["tenant"])
		assert.NotContains(t, msg.Headers, bridge.PropertyAsync)

		env, err := contracts.UnmarshalEnvelope(msg.Body)
		require.NoError(t, err)
		assert.Equal(t, contracts.KindRequest, env.Kind)
		assert.Equal(t, "reply.consumer", env.ReplyTo)
		assert.JSONEq(t, `{"sku":"a"}`, string(env.In.Content))
		assert.NotContains(t, env.Properties, bridge.PropertyAsync)
	})

	t.Run("requires an address", func(t *testing.T) {
		tr := newTestTransport(t, newFakeBroker(), "reply.consumer")
		ex, err := contracts.NewExchange(contracts.OneWay)
		require.NoError(t, err)
		require.NoError(t, ex.SetIn(contracts.NewMessage("text/plain", []byte("x"))))

		assert.ErrorIs(t, tr.Send(ctx, ex), messaging.ErrInvalidAddress)
	})

	t.Run("rejects an exchange already in flight", func(t *testing.T) {
		broker := newFakeBroker()
		broker.bind("orders.create", nil)
		tr := newTestTransport(t, broker, "reply.consumer")
		ex := newRequest(t, contracts.OneWay, `{}`)

		require.NoError(t, tr.Send(ctx, ex))
		assert.Error(t, tr.Send(ctx, ex))
		assert.Len(t, broker.sent("orders.create"), 1)
	})

	t.Run("unroutable request means no endpoint", func(t *testing.T) {
		tr := newTestTransport(t, newFakeBroker(), "reply.consumer")
		err := tr.Send(ctx, newRequest(t, contracts.OneWay, `{}`))

		assert.ErrorIs(t, err, contracts.ErrNoEndpoint)
		assert.ErrorIs(t, err, rabbitmq.ErrPublishReturned)
		assert.Zero(t, tr.InFlight())
	})

	t.Run("publish failure forgets the request", func(t *testing.T) {
		pub := &mockPublisher{}
		boom := errors.New("channel closed")
		pub.On("Publish", mock.Anything, "orders.create", mock.Anything).Return(boom)
		tr := newTestTransport(t, pub, "reply.consumer")

		err := tr.Send(ctx, newRequest(t, contracts.OneWay, `{}`))
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, tr.InFlight())
		pub.AssertExpectations(t)
	})

	t.Run("closed transport", func(t *testing.T) {
		tr := newTestTransport(t, newFakeBroker(), "reply.consumer")
		require.NoError(t, tr.Close())
		assert.ErrorIs(t, tr.Send(ctx, newRequest(t, contracts.OneWay, `{}`)), ErrTransportClosed)
	})
}

func TestTransport_BridgeRoundTrip(t *testing.T) {
	ctx := context.Background()

	newBridge := func(t *testing.T, tr *Transport) *bridge.Bridge {
		b, err := bridge.NewBridge(tr, bridge.WithDefaultTimeout(2*time.Second))
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	}

	t.Run("reply is acknowledged back to the provider", func(t *testing.T) {
		broker := newFakeBroker()
		svc := newOrderService(func(ex *contracts.Exchange) error {
			return ex.SetOut(contracts.NewMessage("application/json", []byte(`{"id":42}`)))
		})
		consumer, provider := wire(t, broker, svc)
		b := newBridge(t, consumer)

		ex := newRequest(t, contracts.RequestReply, `{"sku":"a"}`)
		outcome, err := b.SendSync(ctx, ex, 0)
		require.NoError(t, err)

		assert.Equal(t, bridge.OutcomeReply, outcome.Kind())
		assert.JSONEq(t, `{"id":42}`, string(outcome.Out.Content))

		select {
		case served := <-svc.done:
			assert.Equal(t, ex.ID(), served.ID())
			assert.Equal(t, contracts.StatusDone, served.Status())
		case <-time.After(time.Second):
			t.Fatal("provider was not told about the acknowledgement")
		}
		assert.Zero(t, consumer.InFlight())
		assert.Len(t, broker.sent("reply.provider"), 1)

		_, pending := provider.served.Load(ex.ID())
		assert.False(t, pending)
	})

	t.Run("fault travels by value", func(t *testing.T) {
		broker := newFakeBroker()
		svc := newOrderService(func(ex *contracts.Exchange) error {
			return ex.SetFault(contracts.NewMessage("text/plain", []byte("out of stock")))
		})
		consumer, _ := wire(t, broker, svc)
		b := newBridge(t, consumer)

		outcome, err := b.SendSync(ctx, newRequest(t, contracts.RobustOneWay, `{}`), 0)
		require.NoError(t, err)
		require.Equal(t, bridge.OutcomeFault, outcome.Kind())
		assert.Equal(t, []byte("out of stock"), outcome.Fault.Content)

		select {
		case <-svc.done:
		case <-time.After(time.Second):
			t.Fatal("fault was not acknowledged")
		}
	})

	t.Run("processor error comes back as a remote error", func(t *testing.T) {
		broker := newFakeBroker()
		svc := newOrderService(func(*contracts.Exchange) error { return errors.New("ledger locked") })
		consumer, _ := wire(t, broker, svc)
		b := newBridge(t, consumer)

		outcome, err := b.SendSync(ctx, newRequest(t, contracts.OneWay, `{}`), 0)
		require.NoError(t, err)
		require.Equal(t, bridge.OutcomeError, outcome.Kind())

		var remote *contracts.RemoteError
		require.ErrorAs(t, outcome.Err, &remote)
		assert.Equal(t, "ledger locked", remote.Message)
		assert.Empty(t, broker.sent("reply.provider"), "terminal replies need no acknowledgement")
	})

	t.Run("one-way completes without acknowledgement", func(t *testing.T) {
		broker := newFakeBroker()
		var calls int32
		svc := newOrderService(func(*contracts.Exchange) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		consumer, _ := wire(t, broker, svc)
		b := newBridge(t, consumer)

		outcome, err := b.SendSync(ctx, newRequest(t, contracts.OneWay, `{}`), 0)
		require.NoError(t, err)
		assert.Equal(t, bridge.OutcomeDone, outcome.Kind())
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		assert.Empty(t, broker.sent("reply.provider"))
	})

	t.Run("request/reply without reply fails", func(t *testing.T) {
		broker := newFakeBroker()
		svc := newOrderService(func(*contracts.Exchange) error { return nil })
		consumer, _ := wire(t, broker, svc)
		b := newBridge(t, consumer)

		outcome, err := b.SendSync(ctx, newRequest(t, contracts.RequestReply, `{}`), 0)
		require.NoError(t, err)
		assert.Equal(t, bridge.OutcomeError, outcome.Kind())
		assert.Contains(t, outcome.Err.Error(), contracts.ErrMissingReply.Error())
	})
}

func TestTransport_HandleReply(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed body is not requeued", func(t *testing.T) {
		tr := newTestTransport(t, newFakeBroker(), "reply.consumer")
		err := tr.handleReply(ctx, amqp.Delivery{Body: []byte("not json")})
		assert.ErrorIs(t, err, contracts.ErrInvalidEnvelope)
		assert.False(t, reliability.IsRetryable(err))
	})

	t.Run("request envelope on the reply queue", func(t *testing.T) {
		tr := newTestTransport(t, newFakeBroker(), "reply.consumer")
		env := contracts.EncodeExchange(newRequest(t, contracts.OneWay, `{}`), contracts.KindRequest, nil)
		body, err := contracts.MarshalEnvelope(env)
		require.NoError(t, err)

		err = tr.handleReply(ctx, amqp.Delivery{Body: body})
		assert.ErrorIs(t, err, contracts.ErrInvalidEnvelope)
		assert.False(t, reliability.IsRetryable(err))
	})

	t.Run("late reply is dropped", func(t *testing.T) {
		tr := newTestTransport(t, newFakeBroker(), "reply.consumer")
		var completed int32
		tr.SetCompletionHandler(messaging.CompletionHandlerFunc(func(context.Context, *contracts.Exchange) {
			atomic.AddInt32(&completed, 1)
		}))

		ex := newRequest(t, contracts.OneWay, `{}`)
		require.NoError(t, ex.Done())
		body, err := contracts.MarshalEnvelope(contracts.EncodeExchange(ex, contracts.KindReply, nil))
		require.NoError(t, err)

		assert.NoError(t, tr.handleReply(ctx, amqp.Delivery{Body: body}))
		assert.Zero(t, atomic.LoadInt32(&completed))
	})
}

func TestTransport_NotifyDone(t *testing.T) {
	pub := &mockPublisher{}
	tr := newTestTransport(t, pub, "reply.consumer")

	// nothing to acknowledge
	require.NoError(t, tr.NotifyDone(context.Background(), newRequest(t, contracts.OneWay, `{}`)))
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestTransport_Expire(t *testing.T) {
	broker := newFakeBroker()
	broker.bind("orders.create", nil)
	tr := newTestTransport(t, broker, "reply.consumer")

	ex := newRequest(t, contracts.RequestReply, `{}`)
	require.NoError(t, tr.Send(context.Background(), ex))
	tr.awaitingAck.Store("other", ackRoute{queue: "reply.provider", at: time.Now()})

	tr.expire(time.Now())
	assert.Equal(t, 1, tr.InFlight())

	tr.expire(time.Now().Add(tr.inFlightTTL + time.Second))
	assert.Zero(t, tr.InFlight())
	_, ok := tr.awaitingAck.Load("other")
	assert.False(t, ok)
}

func TestHeaders(t *testing.T) {
	env := &contracts.Envelope{
		Kind:    contracts.KindReply,
		Pattern: contracts.RobustOneWay,
		Properties: map[string]interface{}{
			"small":  uint16(7),
			"medium": uint32(70000),
			"big":    uint64(1 << 40),
			"name":   "acme",
		},
	}

	h := headers(env)
	require.NoError(t, h.Validate())
	assert.Equal(t, "reply", h[headerKind])
	assert.Equal(t, int32(7), h["small"])
	assert.Equal(t, int64(70000), h["medium"])
	assert.Equal(t, int64(1<<40), h["big"])
	assert.Equal(t, "acme", h["name"])
}
