package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/client"
	v1 "fieldsync/pkg/api/v1"
	"fieldsync/pkg/logger"
)

// Configuration
var (
	addr     = flag.String("addr", "http://localhost:8088", "Agent base URL")
	token    = flag.String("token", "", "Bearer token; empty uses the agent's dev pass")
	totalVUs = flag.Int("c", 20, "Concurrent drivers")
	sheets   = flag.Int("n", 10, "Timesheets per driver")
	rampUp   = flag.Duration("ramp", 5*time.Second, "Ramp up duration")
	dupEvery = flag.Int("dup", 5, "Resend every Nth sheet to exercise idempotency (0 disables)")
)

// Metrics
var (
	delivered  int64
	queued     int64
	rejected   int64 // queue full
	failed     int64
	latencySum int64 // milliseconds
	latencyCnt int64
)

type devPassTransport struct{}

func (devPassTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Set("X-Dev-Pass", "true")
	return http.DefaultTransport.RoundTrip(r)
}

func main() {
	flag.Parse()
	logger.InitLogger("dev")

	fmt.Printf("Starting timesheet load\n")
	fmt.Printf("   Target: %s\n", *addr)
	fmt.Printf("   Drivers: %d x %d sheets\n", *totalVUs, *sheets)

	var opts []client.Option
	if *token == "" {
		opts = append(opts, client.WithHTTPClient(&http.Client{Transport: devPassTransport{}}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := client.New(*addr, *token, opts...)
	if err := watcher.Start(); err != nil {
		fmt.Printf("cannot watch queue depth: %v\n", err)
		os.Exit(1)
	}
	defer watcher.Stop()

	// Metric Reporter
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report(watcher)
			}
		}
	}()

	var wg sync.WaitGroup
	interval := *rampUp / time.Duration(*totalVUs)
	for i := 0; i < *totalVUs; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runDriver(ctx, client.New(*addr, *token, opts...), id)
		}(i)
		time.Sleep(interval)
	}
	wg.Wait()

	time.Sleep(time.Second)
	report(watcher)
}

func runDriver(ctx context.Context, c *client.Client, id int) {
	day := time.Now().UTC().Truncate(24 * time.Hour)
	for n := 0; n < *sheets; n++ {
		shift := n
		if *dupEvery > 0 && n > 0 && n%*dupEvery == 0 {
			shift = n - 1
		}
		start := day.Add(time.Duration(shift) * 24 * time.Hour).Add(6 * time.Hour)
		sheet := v1.Timesheet{
			OperatorID:  fmt.Sprintf("lt-op-%04d", id),
			EquipmentID: fmt.Sprintf("EX-%03d", id%50),
			SiteID:      "loadtest",
			WorkDate:    start.Format("2006-01-02"),
			ClockIn:     start,
			ClockOut:    start.Add(9 * time.Hour),
			BreakMins:   45,
		}

		begin := time.Now()
		status, _, err := c.SubmitTimesheet(ctx, sheet)
		atomic.AddInt64(&latencySum, time.Since(begin).Milliseconds())
		atomic.AddInt64(&latencyCnt, 1)

		switch {
		case client.IsCapacityExceeded(err):
			atomic.AddInt64(&rejected, 1)
		case err != nil:
			if atomic.AddInt64(&failed, 1) == 1 {
				fmt.Printf("driver %d error: %v\n", id, err)
			}
		case status == "delivered":
			atomic.AddInt64(&delivered, 1)
		default:
			atomic.AddInt64(&queued, 1)
		}
	}
}

func report(watcher *client.Client) {
	avgLat := float64(0)
	if cnt := atomic.LoadInt64(&latencyCnt); cnt > 0 {
		avgLat = float64(atomic.LoadInt64(&latencySum)) / float64(cnt)
	}
	fmt.Printf("[%s] Delivered: %d | Queued: %d | Rejected(full): %d | Errors: %d | Depth: %d | Avg Latency: %.2f ms\n",
		time.Now().Format("15:04:05"),
		atomic.LoadInt64(&delivered),
		atomic.LoadInt64(&queued),
		atomic.LoadInt64(&rejected),
		atomic.LoadInt64(&failed),
		watcher.Depth(""),
		avgLat,
	)
}
