package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/notice-relay/client"
	"github.com/whisper/notice-relay/internal/stats"
)

// runBench connects a set of subscribers, has a set of publishers send
// timestamped notices through the relay and reports connect and
// publish-to-receive latency.
func runBench(args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	url := fs.String("url", relayURL(), "Relay WebSocket URL")
	subscribers := fs.Int("subscribers", 50, "Number of receiving connections")
	publishers := fs.Int("publishers", 5, "Number of publishing connections")
	messages := fs.Int("messages", 100, "Notices sent by each publisher")
	interval := fs.Duration("interval", 10*time.Millisecond, "Delay between notices of one publisher")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	timeout := fs.Duration("timeout", 60*time.Second, "Overall timeout")
	clearAfter := fs.Bool("clear", true, "Send CLEAR when done so the bench notices are not replayed")
	fs.Parse(args)

	if *subscribers < 1 || *publishers < 1 || *messages < 1 {
		return fmt.Errorf("bench: subscribers, publishers and messages must be positive")
	}
	if *interval <= 0 {
		return fmt.Errorf("bench: interval must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	prefix := "bench/" + uuid.NewString()[:8] + "/"
	expected := *publishers * *messages
	collector := stats.NewCollector()

	fmt.Printf("Bench: %d subscribers, %d publishers x %d notices to %s\n",
		*subscribers, *publishers, *messages, *url)

	subs := connectAll(ctx, *url, *subscribers, *concurrency, collector)
	pubs := connectAll(ctx, *url, *publishers, *concurrency, collector)
	defer closeAll(subs)
	defer closeAll(pubs)
	if len(subs) == 0 || len(pubs) == 0 {
		collector.Report(os.Stdout)
		return fmt.Errorf("bench: could not connect")
	}

	var received sync.WaitGroup
	for _, c := range subs {
		received.Add(1)
		go func(c *client.Client) {
			defer received.Done()
			consume(ctx, c, prefix, expected, collector)
		}(c)
	}

	var sent sync.WaitGroup
	for _, c := range pubs {
		go drain(ctx, c)

		sent.Add(1)
		go func(c *client.Client) {
			defer sent.Done()
			ticker := time.NewTicker(*interval)
			defer ticker.Stop()
			for i := 0; i < *messages; i++ {
				msg := prefix + strconv.FormatInt(time.Now().UnixNano(), 10)
				if err := c.Publish(msg); err != nil {
					collector.AddError()
					return
				}
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
			}
		}(c)
	}

	sent.Wait()
	received.Wait()

	if *clearAfter {
		if err := pubs[0].Clear(); err != nil {
			fmt.Fprintln(os.Stderr, errStyle.Render("clear failed: ")+err.Error())
		}
	}

	collector.Report(os.Stdout)
	if n := collector.ErrorCount(); n > 0 {
		return fmt.Errorf("bench: %d errors", n)
	}
	return nil
}

// drain discards the echoes a publisher receives so that its read loop keeps
// up and the relay does not evict it as a slow consumer.
func drain(ctx context.Context, c *client.Client) {
	for {
		select {
		case _, ok := <-c.Messages():
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// consume records the latency of every bench notice until expected ones
// arrived, the connection ended or ctx is done.
func consume(ctx context.Context, c *client.Client, prefix string, expected int, collector *stats.Collector) {
	got := 0
	for got < expected {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				collector.AddError()
				return
			}
			rest, found := strings.CutPrefix(msg.Notice.Message, prefix)
			if !found {
				continue
			}
			nanos, err := strconv.ParseInt(rest, 10, 64)
			if err != nil {
				continue
			}
			collector.AddMsgLatency(time.Since(time.Unix(0, nanos)))
			got++
		case <-ctx.Done():
			collector.AddError()
			return
		}
	}
}

func connectAll(ctx context.Context, url string, n, concurrency int, collector *stats.Collector) []*client.Client {
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	var mu sync.Mutex
	var wg sync.WaitGroup
	clients := make([]*client.Client, 0, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			c, err := dial(ctx, url, 10*time.Second)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return clients
}

func closeAll(clients []*client.Client) {
	for _, c := range clients {
		_ = c.Close()
	}
}
