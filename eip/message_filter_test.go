package eip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-bridge/bridge"
	"github.com/glimte/mmate-bridge/contracts"
	"github.com/glimte/mmate-bridge/filter"
	"github.com/glimte/mmate-bridge/internal/journal"
	"github.com/glimte/mmate-bridge/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock sender
type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendSync(ctx context.Context, ex *contracts.Exchange, timeout time.Duration) (bridge.Outcome, error) {
	args := m.Called(ctx, ex, timeout)
	return args.Get(0).(bridge.Outcome), args.Error(1)
}

func (m *mockSender) SendAsync(ctx context.Context, ex *contracts.Exchange) error {
	args := m.Called(ctx, ex)
	return args.Error(0)
}

func (m *mockSender) Submit(ctx context.Context, ex *contracts.Exchange, timeout time.Duration, cont bridge.Continuation) error {
	args := m.Called(ctx, ex, timeout, cont)
	return args.Error(0)
}

func (m *mockSender) Cancel(ctx context.Context, ex *contracts.Exchange, cause error) bool {
	args := m.Called(ctx, ex, cause)
	return args.Bool(0)
}

// doneRecorder counts done callbacks and keeps the last error
type doneRecorder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (d *doneRecorder) done(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.err = err
}

func (d *doneRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

var ordersTarget = contracts.Target{Service: "orders", Endpoint: "create"}

func ordersResolver() *messaging.StaticResolver {
	return messaging.NewStaticResolver().Add(ordersTarget, "orders.create")
}

func inbound(t *testing.T, p contracts.Pattern, body string) *contracts.Exchange {
	t.Helper()
	ex, err := contracts.NewExchange(p)
	require.NoError(t, err)
	require.NoError(t, ex.SetIn(contracts.NewMessage("application/json", []byte(body))))
	return ex
}

func newFilter(t *testing.T, sender Sender, opts ...FilterOption) *MessageFilter {
	t.Helper()
	f, err := NewMessageFilter(sender, ordersResolver(), ordersTarget, filter.JSONPath("type", "order"), opts...)
	require.NoError(t, err)
	return f
}

func TestNewMessageFilter(t *testing.T) {
	sender := &mockSender{}

	t.Run("applies defaults", func(t *testing.T) {
		f := newFilter(t, sender)
		assert.True(t, f.synchronous)
		assert.False(t, f.reportErrors)
		assert.Zero(t, f.timeout)
		assert.Equal(t, "message-filter", f.Name())
		assert.Equal(t, ordersTarget, f.Target())
	})

	t.Run("rejects invalid configuration", func(t *testing.T) {
		cases := map[string]func() (*MessageFilter, error){
			"no sender": func() (*MessageFilter, error) {
				return NewMessageFilter(nil, ordersResolver(), ordersTarget, filter.Always())
			},
			"no target": func() (*MessageFilter, error) {
				return NewMessageFilter(sender, ordersResolver(), contracts.Target{}, filter.Always())
			},
			"no predicate": func() (*MessageFilter, error) {
				return NewMessageFilter(sender, ordersResolver(), ordersTarget, nil)
			},
			"negative timeout": func() (*MessageFilter, error) {
				return NewMessageFilter(sender, ordersResolver(), ordersTarget, filter.Always(), WithTimeout(-time.Second))
			},
		}
		for name, build := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := build()
				var cfgErr *contracts.ConfigError
				assert.ErrorAs(t, err, &cfgErr)
			})
		}
	})

	t.Run("target must resolve", func(t *testing.T) {
		_, err := NewMessageFilter(sender, messaging.NewStaticResolver(), ordersTarget, filter.Always())
		var cfgErr *contracts.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "target", cfgErr.Field)
		assert.ErrorIs(t, err, contracts.ErrTargetNotFound)
	})

	t.Run("async with error reporting is allowed to construct", func(t *testing.T) {
		_, err := NewMessageFilter(sender, ordersResolver(), ordersTarget, filter.Always(),
			WithSynchronous(false), WithReportErrors(true))
		assert.NoError(t, err)
	})
}

func TestMessageFilter_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects unsupported patterns", func(t *testing.T) {
		sender := &mockSender{}
		f := newFilter(t, sender)

		ex := inbound(t, contracts.RequestReply, `{"type":"order"}`)
		require.NoError(t, f.Process(ctx, ex))

		assert.Equal(t, contracts.StatusError, ex.Status())
		assert.ErrorIs(t, ex.Err(), contracts.ErrUnsupportedPattern)
		sender.AssertNotCalled(t, "SendSync", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("drops exchanges the predicate refuses", func(t *testing.T) {
		sender := &mockSender{}
		metrics := messaging.NewInMemoryMetrics()
		j := journal.NewInMemoryJournal()
		f := newFilter(t, sender, WithMetrics(metrics), WithJournal(j), WithName("orders-only"))

		ex := inbound(t, contracts.OneWay, `{"type":"invoice"}`)
		require.NoError(t, f.Process(ctx, ex))

		assert.Equal(t, contracts.StatusDone, ex.Status())
		assert.Equal(t, int64(1), metrics.GetStats().Filtered)
		assert.Equal(t, 1, j.Count(ex.ID(), journal.EventFiltered))
		sender.AssertNotCalled(t, "SendSync", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("forwards a copy addressed at the target", func(t *testing.T) {
		sender := &mockSender{}
		var forwarded *contracts.Exchange
		sender.On("SendSync", mock.Anything, mock.Anything, 2*time.Second).
			Run(func(args mock.Arguments) { forwarded = args.Get(1).(*contracts.Exchange) }).
			Return(bridge.Outcome{Status: contracts.StatusDone}, nil)
		f := newFilter(t, sender, WithTimeout(2*time.Second))

		ex := inbound(t, contracts.RobustOneWay, `{"type":"order"}`)
		ex.SetProperty("tenant", "acme")
		ex.SetProperty(bridge.PropertyAsync, true)
		require.NoError(t, f.Process(ctx, ex))

		assert.Equal(t, contracts.StatusDone, ex.Status())
		require.NotNil(t, forwarded)
		assert.NotEqual(t, ex.ID(), forwarded.ID())
		assert.Equal(t, contracts.RobustOneWay, forwarded.Pattern())
		assert.Equal(t, "orders.create", forwarded.Address())
		assert.Equal(t, ordersTarget, forwarded.Target())
		assert.NotSame(t, ex.In(), forwarded.In())
		assert.Equal(t, ex.In().Content, forwarded.In().Content)

		tenant, _ := forwarded.Property("tenant")
		assert.Equal(t, "acme", tenant)
		_, leaked := forwarded.Property(bridge.PropertyAsync)
		assert.False(t, leaked)
	})

	t.Run("fails exchanges without request message", func(t *testing.T) {
		sender := &mockSender{}
		f := newFilter(t, sender)

		ex, err := contracts.NewExchange(contracts.OneWay)
		require.NoError(t, err)
		require.NoError(t, f.Process(ctx, ex))
		assert.ErrorIs(t, ex.Err(), contracts.ErrMissingMessage)
	})

	t.Run("returns an error for nil and terminated exchanges", func(t *testing.T) {
		f := newFilter(t, &mockSender{})
		assert.ErrorIs(t, f.Process(ctx, nil), ErrNilExchange)

		ex := inbound(t, contracts.OneWay, `{}`)
		require.NoError(t, ex.Done())
		assert.ErrorIs(t, f.Process(ctx, ex), contracts.ErrExchangeTerminated)
		assert.Equal(t, contracts.StatusDone, ex.Status())
	})
}

func TestMessageFilter_SyncOutcomes(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("database unavailable")
	fault := contracts.NewMessage("application/json", []byte(`{"reason":"duplicate"}`))

	cases := []struct {
		name         string
		pattern      contracts.Pattern
		reportErrors bool
		outcome      bridge.Outcome
		sendErr      error
		wantStatus   contracts.Status
		wantErr      error
		wantFault    bool
	}{
		{
			name:       "done",
			pattern:    contracts.OneWay,
			outcome:    bridge.Outcome{Status: contracts.StatusDone},
			wantStatus: contracts.StatusDone,
		},
		{
			name:       "error swallowed",
			pattern:    contracts.OneWay,
			outcome:    bridge.Outcome{Status: contracts.StatusError, Err: boom},
			wantStatus: contracts.StatusDone,
		},
		{
			name:         "error reported",
			pattern:      contracts.OneWay,
			reportErrors: true,
			outcome:      bridge.Outcome{ExchangeID: "down-1", Status: contracts.StatusError, Err: boom},
			wantStatus:   contracts.StatusError,
			wantErr:      boom,
		},
		{
			name:       "fault swallowed",
			pattern:    contracts.RobustOneWay,
			outcome:    bridge.Outcome{Status: contracts.StatusDone, Fault: fault},
			wantStatus: contracts.StatusDone,
		},
		{
			name:         "fault returned to robust consumer",
			pattern:      contracts.RobustOneWay,
			reportErrors: true,
			outcome:      bridge.Outcome{Status: contracts.StatusDone, Fault: fault},
			wantStatus:   contracts.StatusActive,
			wantFault:    true,
		},
		{
			name:         "fault on one-way fails",
			pattern:      contracts.OneWay,
			reportErrors: true,
			outcome:      bridge.Outcome{Status: contracts.StatusDone, Fault: fault},
			wantStatus:   contracts.StatusError,
			wantErr:      contracts.ErrDownstreamFault,
		},
		{
			name:       "timeout always fails",
			pattern:    contracts.RobustOneWay,
			sendErr:    &contracts.TimeoutError{ExchangeID: "down-1", Timeout: time.Second},
			wantStatus: contracts.StatusError,
			wantErr:    contracts.ErrTimeout,
		},
		{
			name:       "hand-off failure always fails",
			pattern:    contracts.OneWay,
			sendErr:    bridge.ErrTooManyPending,
			wantStatus: contracts.StatusError,
			wantErr:    bridge.ErrTooManyPending,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &mockSender{}
			sender.On("SendSync", mock.Anything, mock.Anything, mock.Anything).Return(tc.outcome, tc.sendErr)
			f := newFilter(t, sender, WithReportErrors(tc.reportErrors))

			ex := inbound(t, tc.pattern, `{"type":"order"}`)
			require.NoError(t, f.Process(ctx, ex))

			assert.Equal(t, tc.wantStatus, ex.Status())
			if tc.wantErr != nil {
				assert.ErrorIs(t, ex.Err(), tc.wantErr)
			} else {
				assert.NoError(t, ex.Err())
			}
			if tc.wantFault {
				require.NotNil(t, ex.Fault())
				assert.Equal(t, fault.Content, ex.Fault().Content)
			}
		})
	}
}

func TestMessageFilter_Async(t *testing.T) {
	ctx := context.Background()

	t.Run("fire and forget", func(t *testing.T) {
		sender := &mockSender{}
		sender.On("SendAsync", mock.Anything, mock.Anything).Return(nil)
		f := newFilter(t, sender, WithSynchronous(false))

		ex := inbound(t, contracts.OneWay, `{"type":"order"}`)
		require.NoError(t, f.Process(ctx, ex))

		assert.Equal(t, contracts.StatusDone, ex.Status())
		sender.AssertNumberOfCalls(t, "SendAsync", 1)
		sender.AssertNotCalled(t, "SendSync", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("filtered exchanges are not sent", func(t *testing.T) {
		sender := &mockSender{}
		f := newFilter(t, sender, WithSynchronous(false))

		ex := inbound(t, contracts.OneWay, `{"type":"refund"}`)
		require.NoError(t, f.Process(ctx, ex))
		assert.Equal(t, contracts.StatusDone, ex.Status())
		sender.AssertNotCalled(t, "SendAsync", mock.Anything, mock.Anything)
	})

	t.Run("inbound carrying a fault is acknowledged", func(t *testing.T) {
		sender := &mockSender{}
		f := newFilter(t, sender, WithSynchronous(false))

		ex := inbound(t, contracts.RobustOneWay, `{"type":"order"}`)
		require.NoError(t, ex.SetFault(contracts.NewMessage("text/plain", []byte("late fault"))))
		require.NoError(t, f.Process(ctx, ex))
		assert.Equal(t, contracts.StatusDone, ex.Status())
		sender.AssertNotCalled(t, "SendAsync", mock.Anything, mock.Anything)
	})

	t.Run("hand-off failure fails the inbound", func(t *testing.T) {
		sender := &mockSender{}
		sender.On("SendAsync", mock.Anything, mock.Anything).Return(contracts.ErrNoEndpoint)
		f := newFilter(t, sender, WithSynchronous(false))

		ex := inbound(t, contracts.OneWay, `{"type":"order"}`)
		require.NoError(t, f.Process(ctx, ex))
		assert.ErrorIs(t, ex.Err(), contracts.ErrNoEndpoint)
	})

	t.Run("error reporting is refused on every invocation", func(t *testing.T) {
		sender := &mockSender{}
		f := newFilter(t, sender, WithSynchronous(false), WithReportErrors(true))

		for i := 0; i < 3; i++ {
			ex := inbound(t, contracts.RobustOneWay, `{"type":"order"}`)
			require.NoError(t, f.Process(ctx, ex))
			assert.Equal(t, contracts.StatusError, ex.Status())
			assert.ErrorIs(t, ex.Err(), contracts.ErrUnsupportedPolicy)
		}
		sender.AssertNotCalled(t, "SendAsync", mock.Anything, mock.Anything)
	})
}

func TestMessageFilter_ProcessAsync(t *testing.T) {
	ctx := context.Background()

	t.Run("settles the inbound from the continuation", func(t *testing.T) {
		var cont bridge.Continuation
		sender := &mockSender{}
		sender.On("Submit", mock.Anything, mock.Anything, time.Second, mock.Anything).
			Run(func(args mock.Arguments) { cont = args.Get(3).(bridge.Continuation) }).
			Return(nil)
		f := newFilter(t, sender, WithTimeout(time.Second))

		ex := inbound(t, contracts.OneWay, `{"type":"order"}`)
		rec := &doneRecorder{}
		f.ProcessAsync(ctx, ex, rec.done)

		require.NotNil(t, cont)
		assert.Zero(t, rec.count(), "inbound is suspended, not settled")
		assert.Equal(t, contracts.StatusActive, ex.Status())

		cont(bridge.Outcome{Status: contracts.StatusDone}, nil)
		assert.Equal(t, 1, rec.count())
		assert.NoError(t, rec.err)
		assert.Equal(t, contracts.StatusDone, ex.Status())
		sender.AssertNotCalled(t, "SendSync", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("reported fault stays for the consumer", func(t *testing.T) {
		fault := contracts.NewMessage("text/plain", []byte("no stock"))
		sender := &mockSender{}
		sender.On("Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				args.Get(3).(bridge.Continuation)(bridge.Outcome{Status: contracts.StatusActive, Fault: fault}, nil)
			}).
			Return(nil)
		f := newFilter(t, sender, WithReportErrors(true))

		ex := inbound(t, contracts.RobustOneWay, `{"type":"order"}`)
		rec := &doneRecorder{}
		f.ProcessAsync(ctx, ex, rec.done)

		assert.Equal(t, 1, rec.count())
		assert.Equal(t, contracts.StatusActive, ex.Status())
		require.NotNil(t, ex.Fault())
		assert.Equal(t, fault.Content, ex.Fault().Content)
	})

	t.Run("submit failure fails the inbound", func(t *testing.T) {
		sender := &mockSender{}
		sender.On("Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(bridge.ErrTooManyPending)
		f := newFilter(t, sender)

		ex := inbound(t, contracts.OneWay, `{"type":"order"}`)
		rec := &doneRecorder{}
		f.ProcessAsync(ctx, ex, rec.done)

		assert.Equal(t, 1, rec.count())
		assert.NoError(t, rec.err)
		assert.ErrorIs(t, ex.Err(), bridge.ErrTooManyPending)
	})

	t.Run("context cancellation cancels the downstream wait", func(t *testing.T) {
		var cont bridge.Continuation
		sender := &mockSender{}
		sender.On("Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { cont = args.Get(3).(bridge.Continuation) }).
			Return(nil)
		sender.On("Cancel", mock.Anything, mock.Anything, context.Canceled).
			Run(func(args mock.Arguments) { cont(bridge.Outcome{}, args.Error(2)) }).
			Return(true)
		f := newFilter(t, sender)

		cctx, cancel := context.WithCancel(ctx)
		ex := inbound(t, contracts.OneWay, `{"type":"order"}`)
		rec := &doneRecorder{}
		f.ProcessAsync(cctx, ex, rec.done)
		cancel()

		assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
		assert.ErrorIs(t, ex.Err(), context.Canceled)
	})

	t.Run("nil and terminated exchanges", func(t *testing.T) {
		f := newFilter(t, &mockSender{})

		rec := &doneRecorder{}
		f.ProcessAsync(ctx, nil, rec.done)
		assert.ErrorIs(t, rec.err, ErrNilExchange)

		ex := inbound(t, contracts.OneWay, `{}`)
		require.NoError(t, ex.Done())
		f.ProcessAsync(ctx, ex, rec.done)
		assert.ErrorIs(t, rec.err, contracts.ErrExchangeTerminated)
		assert.Equal(t, 2, rec.count())
	})

	t.Run("filtered exchanges settle immediately", func(t *testing.T) {
		sender := &mockSender{}
		f := newFilter(t, sender)

		ex := inbound(t, contracts.OneWay, `{"type":"refund"}`)
		rec := &doneRecorder{}
		f.ProcessAsync(ctx, ex, rec.done)

		assert.Equal(t, 1, rec.count())
		assert.Equal(t, contracts.StatusDone, ex.Status())
		sender.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
