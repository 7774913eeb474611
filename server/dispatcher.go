package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"eventstream-rpc/message"
	"eventstream-rpc/middleware"
	"eventstream-rpc/transport"
)

var (
	ErrEmptyOperation     = errors.New("server: empty operation name")
	ErrDuplicateOperation = errors.New("server: operation already registered")
)

// Dispatcher maps operation names to handlers. It is the transport.Acceptor of
// every connection a Server serves, and can be used on its own with
// transport.Conn.Serve.
//
// Each stream gets one goroutine that feeds its handler:
//
//	readLoop ──OnMessage──→ queue ──→ worker ──→ middleware chain ──→ Handler
//
// so a slow handler stalls only its own stream until the queue fills.
type Dispatcher struct {
	opts options
	log  *zap.Logger

	mu          sync.RWMutex
	handlers    map[string]Handler
	middlewares []middleware.Middleware

	wg sync.WaitGroup
}

func NewDispatcher(opts ...Option) *Dispatcher {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newDispatcher(o)
}

func newDispatcher(o options) *Dispatcher {
	return &Dispatcher{
		opts:     o,
		log:      o.logger,
		handlers: make(map[string]Handler),
	}
}

// Register binds h to operation.
func (d *Dispatcher) Register(operation string, h Handler) error {
	if operation == "" {
		return ErrEmptyOperation
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[operation]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateOperation, operation)
	}
	d.handlers[operation] = h
	return nil
}

// Use appends a middleware. Middlewares run in the order they are added.
func (d *Dispatcher) Use(mw middleware.Middleware) {
	d.mu.Lock()
	d.middlewares = append(d.middlewares, mw)
	d.mu.Unlock()
}

// Operations lists the registered operation names.
func (d *Dispatcher) Operations() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ops := make([]string, 0, len(d.handlers))
	for op := range d.handlers {
		ops = append(ops, op)
	}
	return ops
}

// Wait blocks until every stream worker has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Accept implements transport.Acceptor.
func (d *Dispatcher) Accept(ctx context.Context, c *transport.Conn, connect *message.Message) (context.Context, error) {
	ctx, err := d.authenticate(ctx, connect)
	if err != nil {
		return nil, err
	}
	if data, ok := AuthFromContext(ctx); ok {
		c.Logger().Info("connection authenticated", zap.String("identity", data.Identity()))
	}
	return ctx, nil
}

// NewStream implements transport.Acceptor.
func (d *Dispatcher) NewStream(s *transport.Stream, first *message.Message) transport.StreamHandler {
	d.mu.RLock()
	h, ok := d.handlers[s.Operation()]
	chain := middleware.Chain(d.middlewares...)
	d.mu.RUnlock()
	if !ok {
		h = unsupported{}
	}

	w := &worker{
		d:      d,
		stream: s,
		h:      h,
		chain:  chain,
		queue:  make(chan *message.Message, d.opts.queueSize),
		closed: make(chan struct{}),
	}
	d.wg.Add(1)
	go w.run()
	return w
}

type unsupported struct{}

func (unsupported) OnStreamStart(_ context.Context, s *transport.Stream, _ *message.Message) error {
	return message.NewApplicationError(message.CodeUnsupportedOperation,
		fmt.Sprintf("unsupported operation %q", s.Operation()))
}

func (unsupported) OnStreamMessage(context.Context, *transport.Stream, *message.Message) error {
	return nil
}

func (unsupported) OnStreamClosed(*transport.Stream, error) {}

// worker is the transport.StreamHandler of one server stream.
type worker struct {
	d      *Dispatcher
	stream *transport.Stream
	h      Handler
	chain  middleware.Middleware
	seq    uint64

	queue     chan *message.Message
	closed    chan struct{}
	closeOnce sync.Once
}

// OnMessage runs on the connection's reader goroutine. It blocks while the
// queue is full, which holds back every stream on the connection.
func (w *worker) OnMessage(_ *transport.Stream, m *message.Message) {
	select {
	case w.queue <- m:
	case <-w.closed:
	}
}

func (w *worker) OnClosed(_ *transport.Stream, _ error) {
	w.closeOnce.Do(func() { close(w.closed) })
}

func (w *worker) run() {
	defer w.d.wg.Done()
	defer func() {
		w.h.OnStreamClosed(w.stream, w.stream.Err())
	}()

	for {
		select {
		case m := <-w.queue:
			w.dispatch(m)
		case <-w.closed:
			return
		}
	}
}

func (w *worker) dispatch(m *message.Message) {
	w.seq++
	s := w.stream
	info := middleware.CallInfo{
		ConnID:    s.Conn().ID(),
		StreamID:  s.ID(),
		Operation: s.Operation(),
		Seq:       w.seq,
	}
	ctx := middleware.WithCallInfo(s.Context(), info)

	err := w.chain(w.invoke)(ctx, m)
	if err == nil {
		return
	}

	var ae *message.ApplicationError
	if !errors.As(err, &ae) {
		ae = message.NewApplicationError(message.CodeInternal, err.Error())
	}
	if sendErr := s.SendError(ae); sendErr != nil {
		s.Logger().Debug("dropping handler error", zap.Error(err), zap.NamedError("send", sendErr))
	}
}

// invoke is the innermost HandlerFunc. A panicking handler fails the stream
// instead of the process.
func (w *worker) invoke(ctx context.Context, m *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.stream.Logger().Error("handler panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = message.NewApplicationError(message.CodeInternal, "internal error")
		}
	}()

	info, _ := middleware.CallInfoFromContext(ctx)
	if info.Initial() {
		return w.h.OnStreamStart(ctx, w.stream, m)
	}
	return w.h.OnStreamMessage(ctx, w.stream, m)
}
