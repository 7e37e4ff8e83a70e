//go:build e2e

package e2etests

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	timeout   = 5 * time.Second
	waitReady = 20 * time.Second

	// Seeded by the migrator in DEV mode.
	freeAccount    = 1
	starterAccount = 2
)

var httpClient = &http.Client{Timeout: timeout}

func baseURL() string {
	if u := os.Getenv("E2E_BASE_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func TestE2E_CreditDebitPaywall(t *testing.T) {
	waitUntilReady(t)

	start := getBalance(t, freeAccount)

	code, body := postJSON(t, fmt.Sprintf("/accounts/%d/credits", freeAccount), map[string]any{
		"amount": 100, "category": "admin-grant", "description": "e2e grant",
	})
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, start+100, getBalance(t, freeAccount))

	code, body = postJSON(t, fmt.Sprintf("/accounts/%d/debits", freeAccount), map[string]any{
		"amount": 30, "category": "usage",
	})
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, start+70, getBalance(t, freeAccount))

	code, body = postJSON(t, fmt.Sprintf("/accounts/%d/debits", freeAccount), map[string]any{
		"amount": start + 71, "category": "usage",
	})
	require.Equal(t, http.StatusPaymentRequired, code, body)
	assert.Contains(t, body, `"paywall":true`)
	require.Equal(t, start+70, getBalance(t, freeAccount))

	t.Run("validation", func(t *testing.T) {
		code, _ := postJSON(t, fmt.Sprintf("/accounts/%d/debits", freeAccount), map[string]any{
			"amount": -5, "category": "usage",
		})
		assert.Equal(t, http.StatusBadRequest, code)

		code, _ = postJSON(t, fmt.Sprintf("/accounts/%d/credits", freeAccount), map[string]any{
			"amount": 5, "category": "usage",
		})
		assert.Equal(t, http.StatusBadRequest, code)

		code, _ = getJSON(t, "/accounts/999999/balance", nil)
		assert.Equal(t, http.StatusNotFound, code)
	})
}

func TestE2E_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	waitUntilReady(t)

	// Bring the account to exactly 100 with a grant or a deduction.
	bal := getBalance(t, freeAccount)
	switch {
	case bal < 100:
		code, body := postJSON(t, fmt.Sprintf("/accounts/%d/credits", freeAccount), map[string]any{
			"amount": 100 - bal, "category": "admin-grant",
		})
		require.Equal(t, http.StatusOK, code, body)
	case bal > 100:
		code, body := postJSON(t, fmt.Sprintf("/accounts/%d/debits", freeAccount), map[string]any{
			"amount": bal - 100, "category": "admin-deduction",
		})
		require.Equal(t, http.StatusOK, code, body)
	}
	require.Equal(t, int64(100), getBalance(t, freeAccount))

	amounts := []int64{80, 30}
	codes := make([]int, len(amounts))

	var wg sync.WaitGroup
	for i, amt := range amounts {
		wg.Add(1)
		body := fmt.Sprintf(`{"amount":%d,"category":"usage"}`, amt)
		go func() {
			defer wg.Done()
			codes[i] = tryPost(fmt.Sprintf("/accounts/%d/debits", freeAccount), body)
		}()
	}
	wg.Wait()

	applied := 0
	for _, c := range codes {
		if c == http.StatusOK {
			applied++
		}
	}
	require.Equal(t, 1, applied, "exactly one debit fits: %v", codes)

	got := getBalance(t, freeAccount)
	assert.True(t, got == 20 || got == 70, "balance %d", got)
}

func TestE2E_PurchaseWebhookRedelivery(t *testing.T) {
	secret := os.Getenv("E2E_STRIPE_WEBHOOK_SECRET")
	if secret == "" {
		t.Skip("E2E_STRIPE_WEBHOOK_SECRET not set")
	}

	waitUntilReady(t)

	start := getBalance(t, starterAccount)
	suffix := time.Now().UnixNano()

	event, err := json.Marshal(map[string]any{
		"id":          fmt.Sprintf("evt_e2e_%d", suffix),
		"object":      "event",
		"type":        "checkout.session.completed",
		"created":     time.Now().Unix(),
		"api_version": "2025-03-31.basil",
		"data": map[string]any{"object": map[string]any{
			"id":                  fmt.Sprintf("cs_e2e_%d", suffix),
			"mode":                "payment",
			"payment_status":      "paid",
			"client_reference_id": fmt.Sprint(starterAccount),
			"payment_intent":      fmt.Sprintf("pi_e2e_%d", suffix),
			"metadata":            map[string]string{"credits": "50"},
		}},
	})
	require.NoError(t, err)

	wantStatus := []string{"processed", "duplicate"}
	for _, want := range wantStatus {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload: event, Secret: secret, Timestamp: time.Now(),
		})

		code, body := post(t, "/webhooks/stripe", event, "Stripe-Signature", signed.Header)
		require.Equal(t, http.StatusOK, code, body)
		assert.Contains(t, body, fmt.Sprintf(`"status":%q`, want))
	}

	assert.Equal(t, start+50, getBalance(t, starterAccount))

	code, _ := post(t, "/webhooks/stripe", event, "Stripe-Signature", "t=1,v1=bad")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestE2E_MonitoringEndpoints(t *testing.T) {
	waitUntilReady(t)

	var rep map[string]any
	code, body := getJSON(t, "/monitoring/report", &rep)
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, rep, "reconciliation")

	code, body = getJSON(t, "/monitoring/daily", nil)
	assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, code, body)

	code, _ = getJSON(t, "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
}

// --- Helpers ---

func getBalance(t *testing.T, accountID uint64) int64 {
	t.Helper()

	var resp struct {
		Balance int64 `json:"balance"`
	}

	code, body := getJSON(t, fmt.Sprintf("/accounts/%d/balance", accountID), &resp)
	require.Equal(t, http.StatusOK, code, body)

	return resp.Balance
}

func getJSON(t *testing.T, path string, dst any) (int, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL()+path, nil)
	require.NoError(t, err)

	return do(t, req, dst)
}

func postJSON(t *testing.T, path string, v any) (int, string) {
	t.Helper()

	raw, err := json.Marshal(v)
	require.NoError(t, err)

	return post(t, path, raw, "Content-Type", "application/json")
}

func post(t *testing.T, path string, body []byte, header, value string) (int, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL()+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(header, value)

	return do(t, req, nil)
}

// tryPost is safe to call off the test goroutine; it reports -1 on
// transport errors.
func tryPost(path, body string) int {
	resp, err := httpClient.Post(baseURL()+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		return -1
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode
}

func do(t *testing.T, req *http.Request, dst any) (int, string) {
	t.Helper()

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	if dst != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(raw, dst), string(raw))
	}

	return resp.StatusCode, string(raw)
}

func waitUntilReady(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(waitReady)

	for {
		resp, err := httpClient.Get(baseURL() + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}

		if time.Now().After(deadline) {
			if err != nil && isConnRefused(err) {
				t.Fatalf("API not reachable at %s: %v", baseURL(), err)
			}
			t.Fatalf("API not ready after %s", waitReady)
		}

		time.Sleep(300 * time.Millisecond)
	}
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
