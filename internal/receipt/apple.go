package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// verifyReceipt status telling the caller the receipt belongs to the sandbox.
const statusSandboxReceipt = 21007

type AppleReceiptClient struct {
	productionURL string
	sandboxURL    string
	sharedSecret  string
	http          *retryablehttp.Client
}

func NewAppleReceiptClient(productionURL, sandboxURL, sharedSecret string, timeout time.Duration) *AppleReceiptClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	return &AppleReceiptClient{
		productionURL: productionURL,
		sandboxURL:    sandboxURL,
		sharedSecret:  sharedSecret,
		http:          client,
	}
}

type verifyReceiptRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type verifyReceiptResponse struct {
	Status             int                   `json:"status"`
	Environment        string                `json:"environment"`
	LatestReceiptInfo  []appleReceiptItem    `json:"latest_receipt_info"`
	PendingRenewalInfo []applePendingRenewal `json:"pending_renewal_info"`
}

type appleReceiptItem struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMs        string `json:"purchase_date_ms"`
	ExpiresDateMs         string `json:"expires_date_ms"`
	IsTrialPeriod         string `json:"is_trial_period"`
	CancellationDateMs    string `json:"cancellation_date_ms,omitempty"`
}

type applePendingRenewal struct {
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	AutoRenewStatus       string `json:"auto_renew_status"`
}

type AppleReceipt struct {
	Environment           string
	OriginalTransactionID string
	TransactionID         string
	ProductID             string
	PurchasedAt           time.Time
	ExpiresAt             time.Time
	IsTrial               bool
	AutoRenew             bool
}

// Verify posts the receipt to production first and retries against the
// sandbox host when production reports any non-success status.
func (c *AppleReceiptClient) Verify(ctx context.Context, receiptData, productID string) (*AppleReceipt, error) {
	resp, err := c.post(ctx, c.productionURL, receiptData)
	if err != nil || resp.Status != 0 {
		status := 0
		if resp != nil {
			status = resp.Status
		}
		if status != statusSandboxReceipt {
			slog.Warn("production receipt verification failed, retrying sandbox", "status", status, "error", err)
		}
		resp, err = c.post(ctx, c.sandboxURL, receiptData)
		if err != nil {
			return nil, err
		}
		if resp.Status != 0 {
			return nil, fmt.Errorf("%w: verifyReceipt status %d", ErrVerificationFailed, resp.Status)
		}
	}

	item := latestItem(resp.LatestReceiptInfo, productID)
	if item == nil {
		return nil, fmt.Errorf("%w: no subscription in receipt", ErrVerificationFailed)
	}
	if item.CancellationDateMs != "" {
		return nil, fmt.Errorf("%w: transaction %s was refunded", ErrVerificationFailed, item.TransactionID)
	}

	out := &AppleReceipt{
		Environment:           resp.Environment,
		OriginalTransactionID: item.OriginalTransactionID,
		TransactionID:         item.TransactionID,
		ProductID:             item.ProductID,
		PurchasedAt:           parseMillis(item.PurchaseDateMs),
		ExpiresAt:             parseMillis(item.ExpiresDateMs),
		IsTrial:               item.IsTrialPeriod == "true",
	}
	for _, pending := range resp.PendingRenewalInfo {
		if pending.OriginalTransactionID == item.OriginalTransactionID {
			out.AutoRenew = pending.AutoRenewStatus == "1"
			break
		}
	}
	return out, nil
}

func (c *AppleReceiptClient) post(ctx context.Context, url, receiptData string) (*verifyReceiptResponse, error) {
	body, err := json.Marshal(verifyReceiptRequest{
		ReceiptData:            receiptData,
		Password:               c.sharedSecret,
		ExcludeOldTransactions: true,
	})
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: verifyReceipt timed out", ErrVerificationFailed)
		}
		return nil, fmt.Errorf("%w: verifyReceipt: %v", ErrVerificationFailed, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: verifyReceipt http %d", ErrVerificationFailed, res.StatusCode)
	}

	var out verifyReceiptResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 4<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode verifyReceipt response: %v", ErrVerificationFailed, err)
	}
	return &out, nil
}

// latestItem picks the entry with the furthest expiry, restricted to
// productID when given.
func latestItem(items []appleReceiptItem, productID string) *appleReceiptItem {
	candidates := make([]appleReceiptItem, 0, len(items))
	for _, item := range items {
		if productID != "" && item.ProductID != productID {
			continue
		}
		if item.ExpiresDateMs == "" {
			continue
		}
		candidates = append(candidates, item)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return parseMillis(candidates[i].ExpiresDateMs).After(parseMillis(candidates[j].ExpiresDateMs))
	})
	return &candidates[0]
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
