package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type paymentRequest struct {
	CorrelationID uuid.UUID       `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
}

// Fires a burst of payment intents at a running gateway and reports how
// admission went, then reads the summary back so the numbers can be
// eyeballed against each other.
func main() {
	var (
		target   = flag.String("target", "http://localhost:9999", "gateway base URL")
		total    = flag.Int("n", 500, "total requests")
		parallel = flag.Int("c", 20, "concurrent requests")
	)
	flag.Parse()

	var accepted, shed, timeouts, failures atomic.Int64

	sem := make(chan struct{}, *parallel)
	var wg sync.WaitGroup

	client := &http.Client{Timeout: 2 * time.Second}
	amount := decimal.RequireFromString("19.90")
	start := time.Now()

	for i := 0; i < *total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			body, _ := json.Marshal(paymentRequest{CorrelationID: uuid.New(), Amount: amount})
			resp, err := client.Post(*target+"/payments", "application/json", bytes.NewReader(body))
			if err != nil {
				if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
					timeouts.Add(1)
				} else {
					failures.Add(1)
				}
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK:
				accepted.Add(1)
			case resp.StatusCode == http.StatusServiceUnavailable:
				shed.Add(1)
			default:
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("accepted: %d\nshed (503): %d\ntimeouts: %d\nfailures: %d\nelapsed: %s\n",
		accepted.Load(), shed.Load(), timeouts.Load(), failures.Load(), elapsed.Round(time.Millisecond))

	// Give detached dispatches a moment to drain before asking.
	time.Sleep(2 * time.Second)
	resp, err := client.Get(*target + "/payments-summary")
	if err != nil {
		fmt.Fprintf(os.Stderr, "summary request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	summary, _ := io.ReadAll(resp.Body)
	fmt.Printf("summary: %s\n", summary)
}
