package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/ksred/klear-energy-api/pkg/response"
)

// routeStats tracks performance statistics for one JSON-RPC method
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// add records a call duration and whether it failed
func (rs *routeStats) add(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// rpcError is an application error returned in a JSON-RPC envelope
type rpcError struct {
	Status int
	Err    *response.Error
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d (http %d): %s", e.Err.Code, e.Status, e.Err.Message)
}

// Kind returns the settlement error kind, or "" when the server sent none
func (e *rpcError) Kind() string {
	if e.Err.Data == nil {
		return ""
	}
	return e.Err.Data.Kind
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *response.Error `json:"error"`
	ID      json.RawMessage `json:"id"`
}

// simulationClient drives the settlement endpoint
type simulationClient struct {
	url       string
	authToken string
	client    *http.Client
	nextID    uint64
	stats     map[string]*routeStats
}

func newSimulationClient(url, token string) *simulationClient {
	return &simulationClient{
		url:       url,
		authToken: token,
		client:    &http.Client{Timeout: 60 * time.Second},
		stats: map[string]*routeStats{
			"sell_energy":     {name: "Sell Energy"},
			"confirm_selling": {name: "Confirm Selling"},
			"buy_energy":      {name: "Buy Energy"},
			"confirm_buying":  {name: "Confirm Buying"},
		},
	}
}

// call sends one request and decodes the settlement result
func (sc *simulationClient) call(ctx context.Context, method string, params interface{}) (*types.SettlementResult, error) {
	start := time.Now()
	result, err := sc.do(ctx, method, params)
	if stats, ok := sc.stats[method]; ok {
		stats.add(time.Since(start), err != nil)
	}
	return result, err
}

func (sc *simulationClient) do(ctx context.Context, method string, params interface{}) (*types.SettlementResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": response.Version,
		"method":  method,
		"params":  params,
		"id":      atomic.AddUint64(&sc.nextID, 1),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode %s response (http %d): %w", method, resp.StatusCode, err)
	}
	if env.Error != nil {
		return nil, &rpcError{Status: resp.StatusCode, Err: env.Error}
	}

	var result types.SettlementResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return &result, nil
}

func (sc *simulationClient) sellEnergy(ctx context.Context, producer types.Keypair, seed uint64, usdc int64) (*types.SettlementResult, error) {
	return sc.call(ctx, "sell_energy", map[string]interface{}{
		"producerKeypairBytes": types.IntsFromBytes(producer.Bytes()),
		"seed":                 seed,
		"usdcAmount":           usdc,
	})
}

func (sc *simulationClient) buyEnergy(ctx context.Context, consumer types.Keypair, seed uint64, energy int64) (*types.SettlementResult, error) {
	return sc.call(ctx, "buy_energy", map[string]interface{}{
		"consumerKeypairBytes": types.IntsFromBytes(consumer.Bytes()),
		"seed":                 seed,
		"energyAmount":         energy,
	})
}

func (sc *simulationClient) confirm(ctx context.Context, method, escrow string) (*types.SettlementResult, error) {
	return sc.call(ctx, method, map[string]string{"escrowPublicKey": escrow})
}

// printPerformanceStats outputs formatted performance statistics per method
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Method", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, method := range []string{"sell_energy", "confirm_selling", "buy_energy", "confirm_buying"} {
		stats := sc.stats[method]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}
