// Command monitor_tail follows the outcome stream of a hubclient monitor. With one connection it
// prints every outcome; with more it only counts them, which is useful to load-test a monitor.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vadiminshakov/hubclient/internal/events"
	"go.uber.org/zap"
)

type counters struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	outcomes    atomic.Int64
}

func main() {
	var (
		monitorURL  string
		kind        string
		since       uint64
		connections int
		duration    time.Duration
		rampUp      time.Duration
	)

	flag.StringVar(&monitorURL, "url", "http://localhost:8080", "monitor base URL")
	flag.StringVar(&kind, "kind", "", "only stream outcomes of this kind, example: audit-failed")
	flag.Uint64Var(&since, "since", 0, "resume after this outcome index")
	flag.IntVar(&connections, "conns", 1, "number of concurrent streams")
	flag.DurationVar(&duration, "dur", 0, "stop after this duration (0 for until interrupted)")
	flag.DurationVar(&rampUp, "ramp", 0, "spread stream starts across this window")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if connections <= 0 {
		logger.Fatal("invalid conns", zap.Int("conns", connections))
	}
	streamURL, err := buildStreamURL(monitorURL, kind, since)
	if err != nil {
		logger.Fatal("invalid monitor url", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     connections + 10,
			MaxIdleConnsPerHost: connections + 10,
			DisableCompression:  true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	var (
		stats    counters
		wg       sync.WaitGroup
		interval time.Duration
	)
	if rampUp > 0 {
		interval = rampUp / time.Duration(connections)
	}
	verbose := connections == 1
	start := time.Now()

	for i := 0; i < connections && ctx.Err() == nil; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			stream(ctx, client, streamURL, verbose, &stats, logger)
		}()
	}

	if !verbose {
		go report(ctx, &stats, start, logger)
	}

	wg.Wait()
	fmt.Printf("done: connected=%d connect_errs=%d stream_errs=%d outcomes=%d elapsed=%s\n",
		stats.connected.Load(),
		stats.connectErrs.Load(),
		stats.streamErrs.Load(),
		stats.outcomes.Load(),
		time.Since(start).Truncate(time.Millisecond),
	)
}

func buildStreamURL(base, kind string, since uint64) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/events/stream")
	if err != nil {
		return "", err
	}
	q := u.Query()
	if kind != "" {
		q.Set("kind", kind)
	}
	if since > 0 {
		q.Set("last_event_id", strconv.FormatUint(since, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func stream(ctx context.Context, client *http.Client, streamURL string, verbose bool, stats *counters, logger *zap.Logger) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		stats.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		stats.connectErrs.Add(1)
		if verbose {
			logger.Error("failed to connect", zap.Error(err))
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		stats.connectErrs.Add(1)
		if verbose {
			logger.Error("monitor refused stream", zap.Int("status", resp.StatusCode))
		}
		return
	}
	stats.connected.Add(1)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil {
				stats.streamErrs.Add(1)
			}
			return
		}
		data, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data: ")
		if !ok {
			continue
		}
		stats.outcomes.Add(1)
		if verbose {
			printOutcome(data, logger)
		}
	}
}

func printOutcome(data string, logger *zap.Logger) {
	var o events.Outcome
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		logger.Warn("undecodable outcome", zap.String("data", data), zap.Error(err))
		return
	}

	line := fmt.Sprintf("%s %-20s wallet=%s round=%d quarter=%d",
		o.Time.Format(time.RFC3339), o.Kind, o.Wallet.Hex(), o.Round, o.Quarter)
	if o.Count > 0 {
		line += fmt.Sprintf(" count=%d", o.Count)
	}
	if o.Reason != "" {
		line += " reason=" + strconv.Quote(o.Reason)
	}
	fmt.Println(line)
}

func report(ctx context.Context, stats *counters, start time.Time, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("status",
				zap.Int64("connected", stats.connected.Load()),
				zap.Int64("connectErrs", stats.connectErrs.Load()),
				zap.Int64("streamErrs", stats.streamErrs.Load()),
				zap.Int64("outcomes", stats.outcomes.Load()),
				zap.Duration("elapsed", time.Since(start).Truncate(time.Second)))
		}
	}
}
