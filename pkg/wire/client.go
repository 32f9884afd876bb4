package wire

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
)

// ErrTrackerUnavailable means the coordinator could not be reached or did not
// reply within the ask deadline.
var ErrTrackerUnavailable = errors.New("tracker unavailable")

type ClientConfig struct {
	CoordinatorHost string        `yaml:"coordinator_host"`
	CoordinatorPort int           `yaml:"coordinator_port"`
	AskTimeout      time.Duration `yaml:"ask_timeout"`

	Backoff backoff.Config `yaml:"backoff"`
}

func (cfg *ClientConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.CoordinatorHost, prefix+"coordinator.host", "localhost", "Host of the tracker endpoint.")
	f.IntVar(&cfg.CoordinatorPort, prefix+"coordinator.port", 7077, "Port of the tracker endpoint.")
	f.DurationVar(&cfg.AskTimeout, prefix+"ask-timeout", 30*time.Second, "Deadline for RPC replies.")

	cfg.Backoff = backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
	}
}

// TrackerClient is the supervisor-side stub for the tracker endpoint. It
// retries transport failures until the ask deadline expires.
type TrackerClient struct {
	cfg     ClientConfig
	baseURL string
	client  *http.Client
	logger  kitlog.Logger
}

func NewTrackerClient(cfg ClientConfig, logger kitlog.Logger) *TrackerClient {
	return &TrackerClient{
		cfg:     cfg,
		baseURL: fmt.Sprintf("http://%s:%d", cfg.CoordinatorHost, cfg.CoordinatorPort),
		client:  &http.Client{},
		logger:  logger,
	}
}

// NewTrackerClientForEndpoint targets an already resolved host:port, as used
// by in-process runs and tests.
func NewTrackerClientForEndpoint(endpoint string, cfg ClientConfig, logger kitlog.Logger) *TrackerClient {
	c := NewTrackerClient(cfg, logger)
	c.baseURL = "http://" + endpoint
	return c
}

func (c *TrackerClient) RegisterReceiver(ctx context.Context, msg RegisterReceiver) (bool, error) {
	return c.ask(ctx, pathRegister, msg)
}

func (c *TrackerClient) AddBlock(ctx context.Context, msg AddBlock) (bool, error) {
	return c.ask(ctx, pathAddBlock, msg)
}

func (c *TrackerClient) DeregisterReceiver(ctx context.Context, msg DeregisterReceiver) (bool, error) {
	return c.ask(ctx, pathDeregister, msg)
}

// ReportError is tell-style: delivery is attempted once, failures are only
// logged.
func (c *TrackerClient) ReportError(ctx context.Context, msg ReportError) {
	err := c.tell(ctx, pathReportError, msg)
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to deliver error report", "err", err)
	}
}

func (c *TrackerClient) ask(ctx context.Context, path string, msg interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AskTimeout)
	defer cancel()

	var lastErr error
	bo := backoff.New(ctx, c.cfg.Backoff)
	for bo.Ongoing() {
		ack, err := c.post(ctx, path, msg)
		if err == nil {
			if ack.Error != "" {
				return ack.OK, errors.New(ack.Error)
			}
			return ack.OK, nil
		}

		lastErr = err
		bo.Wait()
	}

	if lastErr == nil {
		lastErr = bo.Err()
	}

	return false, errors.Wrap(ErrTrackerUnavailable, lastErr.Error())
}

func (c *TrackerClient) tell(ctx context.Context, path string, msg interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AskTimeout)
	defer cancel()

	_, err := c.post(ctx, path, msg)
	return err
}

func (c *TrackerClient) post(ctx context.Context, path string, msg interface{}) (Ack, error) {
	return postMessage(ctx, c.client, c.baseURL+path, msg)
}

// ReceiverClient sends coordinator commands to supervisor endpoints. All
// sends are fire and forget.
type ReceiverClient struct {
	client  *http.Client
	timeout time.Duration
	logger  kitlog.Logger
}

func NewReceiverClient(logger kitlog.Logger) *ReceiverClient {
	return &ReceiverClient{
		client:  &http.Client{},
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

func (c *ReceiverClient) StopReceiver(ctx context.Context, endpoint string) {
	c.send(ctx, endpoint, pathStopReceiver, StopReceiver{})
}

func (c *ReceiverClient) CleanupOldBlocks(ctx context.Context, endpoint string, msg CleanupOldBlocks) {
	c.send(ctx, endpoint, pathCleanupOldBlocks, msg)
}

func (c *ReceiverClient) send(ctx context.Context, endpoint, path string, msg interface{}) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := postMessage(ctx, c.client, "http://"+endpoint+path, msg)
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to deliver receiver command", "endpoint", endpoint, "path", path, "err", err)
	}
}

func postMessage(ctx context.Context, client *http.Client, url string, msg interface{}) (Ack, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Ack{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Ack{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return Ack{OK: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Ack{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var ack Ack
	err = json.NewDecoder(resp.Body).Decode(&ack)
	if err != nil {
		return Ack{}, err
	}

	return ack, nil
}
