package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/basketsync/internal/logging"
	"github.com/austindbirch/basketsync/internal/metrics"
)

// nsqStats is the subset of nsqd's /stats?format=json we read
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Monitor polls nsqd and exports channel depth gauges for the jobs topic
type Monitor struct {
	statsURL string
	topic    string
	channel  string
	interval time.Duration
	client   *http.Client
	logger   *logging.Logger
}

func NewMonitor(nsqdHTTPAddr, topic, channel string, interval time.Duration, logger *logging.Logger) *Monitor {
	addr := strings.TrimSuffix(nsqdHTTPAddr, "/")
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Monitor{
		statsURL: addr + "/stats?format=json&topic=" + topic,
		topic:    topic,
		channel:  channel,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Run polls until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.Plain().WithError(err).Warn("nsq stats poll failed")
			}
		}
	}
}

// Poll fetches stats once and updates the gauges
func (m *Monitor) Poll(ctx context.Context) error {
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

	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		for _, ch := range topic.Channels {
			if ch.ChannelName == m.channel {
				metrics.UpdateWorkerBacklog(float64(ch.Depth))
			}
			metrics.UpdateNSQChannelStats(topic.TopicName, ch.ChannelName, float64(ch.Depth), float64(ch.InFlightCount))
		}
	}
	return nil
}
