package receiver

import (
	"bufio"
	"context"
	"net"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"

	"github.com/grafana/rill/pkg/model"
)

// SocketReceiver ingests newline-delimited records from a TCP endpoint,
// reconnecting with backoff when the connection drops.
type SocketReceiver struct {
	addr   string
	level  model.StorageLevel
	logger kitlog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSocketReceiver(addr string, storageLevel model.StorageLevel, logger kitlog.Logger) *SocketReceiver {
	return &SocketReceiver{
		addr:   addr,
		level:  storageLevel,
		logger: logger,
	}
}

func (r *SocketReceiver) Name() string                     { return "socket" }
func (r *SocketReceiver) StorageLevel() model.StorageLevel { return r.level }
func (r *SocketReceiver) PreferredLocation() string        { return "" }

func (r *SocketReceiver) Start(out Output) error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(ctx, out)
	return nil
}

func (r *SocketReceiver) Stop() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return nil
}

func (r *SocketReceiver) run(ctx context.Context, out Output) {
	defer close(r.done)

	bo := backoff.New(ctx, backoff.Config{
		MinBackoff: 250 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
	})

	for bo.Ongoing() {
		err := r.ingestOnce(ctx, out)
		if err != nil && ctx.Err() == nil {
			out.ReportError("socket receiver connection failed", err)
		}
		if ctx.Err() != nil {
			return
		}

		bo.Wait()
	}
}

func (r *SocketReceiver) ingestOnce(ctx context.Context, out Output) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	// unblock the scanner when the receiver stops
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()

	level.Info(r.logger).Log("msg", "socket receiver connected", "addr", r.addr)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		rec := make(model.Record, len(line))
		copy(rec, line)

		err = out.PushSingle(rec)
		if err != nil {
			return err
		}
	}

	return scanner.Err()
}
