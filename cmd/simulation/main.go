package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-escrow/internal/compliance"
	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/payment"
	"github.com/ksred/klear-escrow/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minTrades  = 15
	maxTrades  = 150
	numWorkers = 5

	duplicateRate = 0.2
	cancelRate    = 0.1

	maxRateLimitRetries = 8
)

var assetIDs = []string{"asset-4471", "asset-9120", "asset-0033", "asset-5812", "asset-7304"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if err != nil {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

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

// simulationClient drives the escrow API over HTTP
type simulationClient struct {
	baseURL       string
	authToken     string
	webhookSecret string
	client        *http.Client
	stats         map[string]*routeStats
	order         []string
}

func newSimulationClient(baseURL string, cfg *config.Config) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL:       baseURL,
		webhookSecret: cfg.Payments.WebhookSecret,
		client:        &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"trade":     {name: "Create Trade"},
			"payment":   {name: "Register Payment"},
			"initiate":  {name: "Initiate Escrow"},
			"webhook":   {name: "Payment Webhook"},
			"milestone": {name: "Mark Milestone"},
			"status":    {name: "Get Escrow"},
		},
		order: []string{"auth", "trade", "payment", "initiate", "webhook", "milestone", "status"},
	}

	var token struct {
		Token string `json:"jwt_token"`
	}
	err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", map[string]string{
		"api_key":    cfg.App.InternalAPIKey,
		"api_secret": cfg.App.InternalAPISecret,
	}, &token)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token.Token
	return sc, nil
}

// call sends a JSON request and decodes the envelope's data into out
func (sc *simulationClient) call(route, method, path string, body, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		sc.stats[route].record(time.Since(start), err)
	}()

	var raw []byte
	if body != nil {
		if raw, err = json.Marshal(body); err != nil {
			return err
		}
	}

	status, respBody, err := sc.send(func() (*http.Request, error) {
		req, err := http.NewRequest(method, sc.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if sc.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+sc.authToken)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, status, string(respBody))
	}
	if out == nil {
		return nil
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

type escrowView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// openEscrow seeds a trade, registers its payment intent and initiates the escrow
func (sc *simulationClient) openEscrow(tradeID, intentID string) error {
	price := fmt.Sprintf("%d.%02d", rand.Intn(40000)+5000, rand.Intn(100))
	buyer, seller := "buyer-"+uuid.NewString()[:8], "seller-"+uuid.NewString()[:8]

	var trade struct {
		TotalUSD string `json:"totalUsd"`
	}
	err := sc.call("trade", http.MethodPost, "/api/v1/internal/trades", map[string]interface{}{
		"id":             tradeID,
		"buyerUserId":    buyer,
		"sellerUserId":   seller,
		"assets":         []map[string]string{{"assetId": assetIDs[rand.Intn(len(assetIDs))], "priceUsd": price}},
		"platformFeeUsd": "199.00",
		"taxesUsd":       "0",
	}, &trade)
	if err != nil {
		return err
	}

	if err := sc.call("payment", http.MethodPost, "/api/v1/internal/payments", map[string]string{
		"tradeId":         tradeID,
		"paymentIntentId": intentID,
	}, nil); err != nil {
		return err
	}

	return sc.call("initiate", http.MethodPost, "/api/v1/escrow", map[string]string{
		"tradeId":        tradeID,
		"buyerUserId":    buyer,
		"sellerUserId":   seller,
		"totalAmountUsd": trade.TotalUSD,
	}, nil)
}

// deliverWebhook posts a signed processor event for intentID
func (sc *simulationClient) deliverWebhook(eventID, eventType, intentID string) (err error) {
	start := time.Now()
	defer func() {
		sc.stats["webhook"].record(time.Since(start), err)
	}()

	payload, err := json.Marshal(map[string]interface{}{
		"id":      eventID,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data": map[string]interface{}{
			"object": map[string]string{"id": intentID, "object": "payment_intent"},
		},
	})
	if err != nil {
		return err
	}

	status, body, err := sc.send(func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, sc.baseURL+"/api/v1/webhooks/payments", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set(payment.SignatureHeader, payment.Sign(payload, sc.webhookSecret, time.Now()))
		return req, nil
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("webhook failed with status %d: %s", status, string(body))
	}
	return nil
}

// send performs the request built by build, backing off while rate limited
func (sc *simulationClient) send(build func() (*http.Request, error)) (int, []byte, error) {
	for attempt := 1; ; attempt++ {
		req, err := build()
		if err != nil {
			return 0, nil, err
		}
		resp, err := sc.client.Do(req)
		if err != nil {
			return 0, nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return 0, nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusTooManyRequests || attempt == maxRateLimitRetries {
			return resp.StatusCode, body, nil
		}
		time.Sleep(time.Duration(attempt) * 250 * time.Millisecond)
	}
}

func (sc *simulationClient) markMilestone(tradeID, milestone string) error {
	return sc.call("milestone", http.MethodPost, "/api/v1/escrow/"+tradeID+"/milestones",
		map[string]string{"milestoneName": milestone}, nil)
}

func (sc *simulationClient) getEscrow(tradeID string) (*escrowView, error) {
	var view escrowView
	if err := sc.call("status", http.MethodGet, "/api/v1/escrow/"+tradeID, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range sc.order {
		stats := sc.stats[key]
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

// complianceStub is an in-memory stand-in for the compliance service
func complianceStub() *httptest.Server {
	var (
		mu    sync.Mutex
		store = map[string]*compliance.Verification{}
	)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch r.Method {
		case http.MethodGet:
			matches := []compliance.Verification{}
			for _, v := range store {
				if v.RelatedEntityID == r.URL.Query().Get("relatedEntityId") {
					matches = append(matches, *v)
				}
			}
			_ = json.NewEncoder(w).Encode(matches)
		case http.MethodPost:
			var req compliance.CreateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			v := &compliance.Verification{
				ID:                uuid.NewString(),
				RelatedEntityType: req.RelatedEntityType,
				RelatedEntityID:   req.RelatedEntityID,
				Scope:             req.Scope,
				Status:            compliance.StatusPending,
				Notes:             req.Notes,
				InitiatedAt:       time.Now().UTC(),
			}
			store[v.ID] = v
			_ = json.NewEncoder(w).Encode(v)
		case http.MethodPatch:
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/compliance/verifications/"), "/status")
			v, ok := store[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			var update compliance.StatusUpdate
			if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			v.Status, v.Notes = update.Status, update.Notes
			_ = json.NewEncoder(w).Encode(v)
		default:
			http.NotFound(w, r)
		}
	}))
}

// startServer runs the escrow API in-process against an in-memory database
func startServer(cfg *config.Config) (string, func(), error) {
	db, err := database.NewDatabase(cfg.DB)
	if err != nil {
		return "", nil, err
	}
	app, err := server.New(cfg, db)
	if err != nil {
		return "", nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	app.Start(ctx)

	srv := httptest.NewServer(app.Handler())
	return srv.URL, func() {
		srv.Close()
		cancel()
		_ = app.Close()
	}, nil
}

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	stub := complianceStub()
	defer stub.Close()
	cfg.Compliance.BaseURL = stub.URL
	cfg.DB = config.DB{Driver: "sqlite", DSN: "file:simulation?mode=memory&cache=shared"}
	cfg.Kafka.Brokers = ""

	baseURL, stop, err := startServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	defer stop()

	simClient, err := newSimulationClient(baseURL, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetTrades := rand.Intn(maxTrades-minTrades) + minTrades
	log.Info().Int("target_trades", targetTrades).Msg("Starting simulation")
	start := time.Now()

	type openTrade struct {
		tradeID  string
		intentID string
	}

	// Open escrows with a worker pool
	jobs := make(chan openTrade, targetTrades)
	opened := make(chan openTrade, targetTrades)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for job := range jobs {
				if err := simClient.openEscrow(job.tradeID, job.intentID); err != nil {
					log.Error().Err(err).Int("worker", workerID).Str("trade_id", job.tradeID).Msg("Failed to open escrow")
					continue
				}
				opened <- job
			}
		}(i)
	}
	for i := 0; i < targetTrades; i++ {
		jobs <- openTrade{tradeID: "trade-" + uuid.NewString(), intentID: "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")}
	}
	close(jobs)
	wg.Wait()
	close(opened)

	var funded []string
	duplicates, cancelled := 0, 0
	for trade := range opened {
		eventType := "payment_intent.succeeded"
		if rand.Float64() < cancelRate {
			eventType = "payment_intent.canceled"
		}
		eventID := "evt_" + uuid.NewString()
		if err := simClient.deliverWebhook(eventID, eventType, trade.intentID); err != nil {
			log.Error().Err(err).Str("trade_id", trade.tradeID).Msg("Failed to deliver webhook")
			continue
		}
		if rand.Float64() < duplicateRate {
			duplicates++
			if err := simClient.deliverWebhook(eventID, eventType, trade.intentID); err != nil {
				log.Error().Err(err).Str("trade_id", trade.tradeID).Msg("Failed to redeliver webhook")
			}
		}
		if eventType == "payment_intent.canceled" {
			cancelled++
			continue
		}
		funded = append(funded, trade.tradeID)
	}

	// Complete the remaining milestones with a worker pool
	settleJobs := make(chan string, len(funded))
	for _, tradeID := range funded {
		settleJobs <- tradeID
	}
	close(settleJobs)
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tradeID := range settleJobs {
				for _, milestone := range []string{"Assets Deposited", "Settlement Completed"} {
					if err := simClient.markMilestone(tradeID, milestone); err != nil {
						log.Error().Err(err).Str("trade_id", tradeID).Str("milestone", milestone).Msg("Failed to mark milestone")
						break
					}
				}
			}
		}()
	}
	wg.Wait()

	statuses := map[string]int{}
	for _, tradeID := range funded {
		view, err := simClient.getEscrow(tradeID)
		if err != nil {
			statuses["unknown"]++
			continue
		}
		statuses[view.Status]++
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ESCROW SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Escrow Statistics
-----------------
Target Trades:       %d
Funded:              %d
Cancelled:           %d
Duplicate Webhooks:  %d
Duration:            %v

Final Escrow Status
-------------------
`, targetTrades, len(funded), cancelled, duplicates, time.Since(start).Round(time.Millisecond))
	for status, count := range statuses {
		fmt.Printf("%-20s %d\n", status+":", count)
	}

	simClient.printPerformanceStats()
}
