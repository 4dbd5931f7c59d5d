package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/jiva_gateway/internal/logging"
	"github.com/austindbirch/jiva_gateway/internal/metrics"
)

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// NsqdHTTPAddr derives the nsqd HTTP address from its TCP address.
func NsqdHTTPAddr(tcpAddr string) string {
	return strings.Replace(tcpAddr, ":4150", ":4151", 1)
}

// BacklogMonitor polls nsqd /stats and exports queue depths.
type BacklogMonitor struct {
	statsURL string
	channel  string
	queues   map[string]bool
	client   *http.Client
	logger   *logging.Logger
}

func NewBacklogMonitor(nsqdHTTPAddr, channel string, queues []string, logger *logging.Logger) *BacklogMonitor {
	qs := make(map[string]bool, len(queues))
	for _, q := range queues {
		qs[q] = true
	}
	if logger == nil {
		logger = logging.Default()
	}
	base := nsqdHTTPAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &BacklogMonitor{
		statsURL: base + "/stats?format=json",
		channel:  channel,
		queues:   qs,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Poll fetches stats once and updates the depth gauges.
func (m *BacklogMonitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}

	var backlog int64
	for _, topic := range stats.Topics {
		if !m.queues[topic.Name] {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateNSQTopicDepth(topic.Name, ch.Name, ch.Depth)
			if ch.Name == m.channel {
				backlog += ch.Depth
			}
		}
	}
	metrics.UpdateWorkerBacklog(backlog)
	return nil
}

// Run polls every interval until ctx is done.
func (m *BacklogMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.Plain().WithError(err).Error("backlog poll failed")
			}
		}
	}
}
