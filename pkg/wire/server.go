package wire

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	pathRegister         = "/tracker/v1/register"
	pathAddBlock         = "/tracker/v1/add-block"
	pathReportError      = "/tracker/v1/report-error"
	pathDeregister       = "/tracker/v1/deregister"
	pathStopReceiver     = "/receiver/v1/stop"
	pathCleanupOldBlocks = "/receiver/v1/cleanup-old-blocks"

	mailboxSize = 128
)

var metricMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rill",
	Name:      "rpc_messages_total",
	Help:      "Total RPC messages handled, by message type and outcome.",
}, []string{"message", "outcome"})

// TrackerHandler is the coordinator-side surface behind the tracker endpoint.
// Calls arrive one at a time.
type TrackerHandler interface {
	HandleRegisterReceiver(RegisterReceiver) (bool, error)
	HandleAddBlock(AddBlock) (bool, error)
	HandleReportError(ReportError)
	HandleDeregisterReceiver(DeregisterReceiver) (bool, error)
}

// ReceiverHandler is the worker-side surface behind a supervisor's command
// endpoint.
type ReceiverHandler interface {
	HandleStopReceiver(StopReceiver)
	HandleCleanupOldBlocks(CleanupOldBlocks)
}

type call struct {
	name  string
	msg   interface{}
	reply chan Ack // nil for tell-style messages
}

// endpoint serializes message handling through a single mailbox goroutine,
// one message at a time.
type endpoint struct {
	logger   kitlog.Logger
	listener net.Listener
	server   *http.Server
	mailbox  chan call
	quit     chan struct{}
	done     chan struct{}
	dispatch func(call) Ack
}

func newEndpoint(bindAddr string, router *mux.Router, dispatch func(call) Ack, logger kitlog.Logger) (*endpoint, error) {
	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	e := &endpoint{
		logger:   logger,
		listener: l,
		server:   &http.Server{Handler: router},
		mailbox:  make(chan call, mailboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		dispatch: dispatch,
	}

	go e.run()
	go func() {
		err := e.server.Serve(l)
		if err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "rpc endpoint serve failed", "err", err)
		}
	}()

	return e, nil
}

func (e *endpoint) run() {
	defer close(e.done)

	for {
		select {
		case c := <-e.mailbox:
			ack := e.safeDispatch(c)
			outcome := "ok"
			if !ack.OK {
				outcome = "error"
			}
			metricMessages.WithLabelValues(c.name, outcome).Inc()

			if c.reply != nil {
				c.reply <- ack
			}
		case <-e.quit:
			return
		}
	}
}

// safeDispatch keeps a failing handler from taking the endpoint down. The
// error travels back in the ack instead.
func (e *endpoint) safeDispatch(c call) (ack Ack) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(e.logger).Log("msg", "panic handling rpc message", "message", c.name, "panic", r)
			ack = Ack{OK: false, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	return e.dispatch(c)
}

func (e *endpoint) addr() string {
	return e.listener.Addr().String()
}

func (e *endpoint) stop(ctx context.Context) error {
	err := e.server.Shutdown(ctx)
	close(e.quit)

	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return err
}

// ask enqueues a message and waits for its ack.
func (e *endpoint) ask(w http.ResponseWriter, name string, msg interface{}) {
	reply := make(chan Ack, 1)

	select {
	case e.mailbox <- call{name: name, msg: msg, reply: reply}:
	default:
		httpError(w, name, "endpoint mailbox full")
		return
	}

	writeAck(w, <-reply)
}

// tell enqueues a message and acknowledges receipt without waiting.
func (e *endpoint) tell(w http.ResponseWriter, name string, msg interface{}) {
	select {
	case e.mailbox <- call{name: name, msg: msg}:
		w.WriteHeader(http.StatusAccepted)
	default:
		httpError(w, name, "endpoint mailbox full")
	}
}

// TrackerServer hosts the coordinator's RPC endpoint.
type TrackerServer struct {
	*endpoint
}

func NewTrackerServer(bindAddr string, h TrackerHandler, logger kitlog.Logger) (*TrackerServer, error) {
	dispatch := func(c call) Ack {
		switch msg := c.msg.(type) {
		case RegisterReceiver:
			return boolAck(h.HandleRegisterReceiver(msg))
		case AddBlock:
			return boolAck(h.HandleAddBlock(msg))
		case ReportError:
			h.HandleReportError(msg)
			return Ack{OK: true}
		case DeregisterReceiver:
			return boolAck(h.HandleDeregisterReceiver(msg))
		}
		return Ack{OK: false, Error: fmt.Sprintf("unexpected message %T", c.msg)}
	}

	router := mux.NewRouter()
	var e *endpoint

	router.HandleFunc(pathRegister, func(w http.ResponseWriter, r *http.Request) {
		var msg RegisterReceiver
		if decodeMessage(w, r, &msg) {
			e.ask(w, "RegisterReceiver", msg)
		}
	}).Methods(http.MethodPost)
	router.HandleFunc(pathAddBlock, func(w http.ResponseWriter, r *http.Request) {
		var msg AddBlock
		if decodeMessage(w, r, &msg) {
			e.ask(w, "AddBlock", msg)
		}
	}).Methods(http.MethodPost)
	router.HandleFunc(pathReportError, func(w http.ResponseWriter, r *http.Request) {
		var msg ReportError
		if decodeMessage(w, r, &msg) {
			e.tell(w, "ReportError", msg)
		}
	}).Methods(http.MethodPost)
	router.HandleFunc(pathDeregister, func(w http.ResponseWriter, r *http.Request) {
		var msg DeregisterReceiver
		if decodeMessage(w, r, &msg) {
			e.ask(w, "DeregisterReceiver", msg)
		}
	}).Methods(http.MethodPost)

	e, err := newEndpoint(bindAddr, router, dispatch, logger)
	if err != nil {
		return nil, err
	}

	return &TrackerServer{endpoint: e}, nil
}

func (s *TrackerServer) Addr() string { return s.addr() }
func (s *TrackerServer) Stop(ctx context.Context) error { return s.stop(ctx) }

// ReceiverServer hosts one supervisor's command endpoint.
type ReceiverServer struct {
	*endpoint
}

func NewReceiverServer(bindAddr string, h ReceiverHandler, logger kitlog.Logger) (*ReceiverServer, error) {
	dispatch := func(c call) Ack {
		switch msg := c.msg.(type) {
		case StopReceiver:
			h.HandleStopReceiver(msg)
			return Ack{OK: true}
		case CleanupOldBlocks:
			h.HandleCleanupOldBlocks(msg)
			return Ack{OK: true}
		}
		return Ack{OK: false, Error: fmt.Sprintf("unexpected message %T", c.msg)}
	}

	router := mux.NewRouter()
	var e *endpoint

	router.HandleFunc(pathStopReceiver, func(w http.ResponseWriter, r *http.Request) {
		e.tell(w, "StopReceiver", StopReceiver{})
	}).Methods(http.MethodPost)
	router.HandleFunc(pathCleanupOldBlocks, func(w http.ResponseWriter, r *http.Request) {
		var msg CleanupOldBlocks
		if decodeMessage(w, r, &msg) {
			e.tell(w, "CleanupOldBlocks", msg)
		}
	}).Methods(http.MethodPost)

	e, err := newEndpoint(bindAddr, router, dispatch, logger)
	if err != nil {
		return nil, err
	}

	return &ReceiverServer{endpoint: e}, nil
}

func (s *ReceiverServer) Addr() string { return s.addr() }
func (s *ReceiverServer) Stop(ctx context.Context) error { return s.stop(ctx) }

func boolAck(ok bool, err error) Ack {
	if err != nil {
		return Ack{OK: false, Error: err.Error()}
	}
	return Ack{OK: ok}
}

func decodeMessage(w http.ResponseWriter, r *http.Request, msg interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeAck(w http.ResponseWriter, ack Ack) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ack)
}

func httpError(w http.ResponseWriter, name, msg string) {
	metricMessages.WithLabelValues(name, "rejected").Inc()
	http.Error(w, msg, http.StatusServiceUnavailable)
}

// reasonable bound for endpoint shutdown in stop paths
const DefaultStopTimeout = 5 * time.Second
