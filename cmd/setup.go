package cmd

import (
	"fmt"

	"github.com/Lazloian/EMI-Analyzer/codec"
	"github.com/Lazloian/EMI-Analyzer/delivery"
	"github.com/Lazloian/EMI-Analyzer/hub"
	"github.com/Lazloian/EMI-Analyzer/link"
	"github.com/Lazloian/EMI-Analyzer/metrics"
	"github.com/Lazloian/EMI-Analyzer/queue"
	"github.com/Lazloian/EMI-Analyzer/transfer"
	"github.com/Lazloian/EMI-Analyzer/upload"
)

// openQueue opens the pending table under the sweep directory
func openQueue() (queue.Queue, error) {
	q, err := queue.Open(conf.Queue.Backend, conf.Hub.SweepPath, queue.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	return q, nil
}

func newDeliverer(q queue.Queue, m *metrics.Metrics) *delivery.Deliverer {
	client := upload.NewClient(conf.Upload.URI,
		upload.WithTimeout(conf.Upload.Timeout.Duration),
		upload.WithLogger(logger))
	return delivery.New(q, client, conf.Hub.SweepPath,
		delivery.WithLogger(logger),
		delivery.WithMetrics(m))
}

func newHub(d hub.Deliverer, m *metrics.Metrics) (*hub.Hub, error) {
	dialer, err := link.NewDialer(conf, logger)
	if err != nil {
		return nil, err
	}
	order, err := codec.ParseByteOrder(conf.Link.ByteOrder)
	if err != nil {
		return nil, err
	}

	return hub.New(dialer, d, conf.Hub.SweepPath,
		hub.WithLogger(logger),
		hub.WithMetrics(m),
		hub.WithTimeouts(conf.Hub.ConnectTimeout.Duration, conf.Hub.TransferTimeout.Duration),
		hub.WithSleepDuration(conf.Hub.SleepDuration.Duration),
		hub.WithSessionOptions(
			transfer.WithPollInterval(conf.Link.PollInterval.Duration),
			transfer.WithCommands([]byte(conf.Link.MetaCommand), []byte(conf.Link.DataCommand)),
			transfer.WithCodec(codec.New(codec.WithByteOrder(order))),
		)), nil
}
