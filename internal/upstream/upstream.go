// Package upstream is the synchronous client to the upstream auction site
// (component C2): it fetches snapshots, places bids, and classifies every
// response into the fixed error taxonomy the rest of the engine depends on.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rivalapexmediation/auctiontracker/internal/model"
	"github.com/rivalapexmediation/auctiontracker/internal/tracing"
)

// ErrorType is the programmatic taxonomy from §4.2/§7.
type ErrorType string

const (
	DuplicateBidAmount  ErrorType = "DUPLICATE_BID_AMOUNT"
	BidTooLow           ErrorType = "BID_TOO_LOW"
	AuctionEnded        ErrorType = "AUCTION_ENDED"
	AuthenticationError ErrorType = "AUTHENTICATION_ERROR"
	Outbid              ErrorType = "OUTBID"
	ConnectionError     ErrorType = "CONNECTION_ERROR"
	ServerError         ErrorType = "SERVER_ERROR"
	UnknownError        ErrorType = "UNKNOWN_ERROR"

	// Not produced by the response classifier, but defined here alongside
	// the rest of the taxonomy (§7) since they share this type: CircuitOpen
	// is returned by the breaker and ValidationError by PlaceBid's range
	// check; RateLimited, NotMonitored and AlreadyMonitored are not
	// returned anywhere in this module.
	CircuitOpen       ErrorType = "CIRCUIT_OPEN"
	ValidationError   ErrorType = "VALIDATION_ERROR"
	RateLimited       ErrorType = "RATE_LIMITED"
	NotMonitored      ErrorType = "NOT_MONITORED"
	AlreadyMonitored  ErrorType = "ALREADY_MONITORED"
)

// businessOutcomes never trip the circuit breaker (§4.3, §7).
var businessOutcomes = map[ErrorType]bool{
	DuplicateBidAmount: true,
	BidTooLow:          true,
	AuctionEnded:       true,
	Outbid:             true,
}

// IsBusinessOutcome reports whether et is a business outcome rather than a
// transport/infra fault.
func IsBusinessOutcome(et ErrorType) bool { return businessOutcomes[et] }

// Retryable reports the taxonomy's fixed retryability (§4.2 table).
func Retryable(et ErrorType) bool {
	switch et {
	case Outbid, ConnectionError, ServerError, UnknownError:
		return true
	default:
		return false
	}
}

// BidResult is the structured outcome of PlaceBid (§4.2, §7).
type BidResult struct {
	Success   bool
	ErrorType ErrorType
	Error     string
	Retryable bool

	// Populated on success.
	CurrentBid int64
	NextBid    int64

	// Populated for OUTBID: the new standing values returned by upstream.
	OutbidCurrentAmount  int64
	OutbidMinimumNextBid int64
}

// AuthStatus is the coarse result of CheckAuth.
type AuthStatus struct {
	Authenticated bool
	CookieCount   int
}

// upstreamProduct mirrors the GET snapshot shape documented in §6.
type upstreamProduct struct {
	Product struct {
		ID            int64   `json:"id"`
		Title         string  `json:"title"`
		CurrentPrice  float64 `json:"currentPrice"`
		RetailPrice   float64 `json:"retailPrice"`
		BidCount      int64   `json:"bidCount"`
		BidderCount   int64   `json:"bidderCount"`
		MarketStatus  string  `json:"marketStatus"`
		IsClosed      bool    `json:"isClosed"`
		CloseTime     struct {
			Value int64 `json:"value"` // unix millis
		} `json:"closeTime"`
		ExtensionInterval int64 `json:"extensionInterval"`
		UserState         struct {
			IsWinning  bool  `json:"isWinning"`
			IsWatching bool  `json:"isWatching"`
			NextBid    int64 `json:"nextBid"`
		} `json:"userState"`
	} `json:"product"`
}

// bidResponsePayload is a best-effort shape for the varying bid response
// body; classification falls back to substring matching when it doesn't
// parse cleanly (§4.2: "Response shape varies").
type bidResponsePayload struct {
	Message        string `json:"message"`
	CurrentAmount  int64  `json:"currentAmount"`
	MinimumNextBid int64  `json:"minimumNextBid"`
}

// Client is the upstream HTTP client.
type Client struct {
	httpClient *http.Client

	// SnapshotURLTemplate and RefererTemplate take a product ID via
	// fmt.Sprintf's %d verb; the stream URL template lives on
	// stream.Client.
	SnapshotURLTemplate string
	BidURL              string
	RefererTemplate     string

	cookies []byte
}

// NewClient builds a Client with the spec's default GET/POST timeouts
// (§5: 10s GET, 15s bid).
func NewClient(snapshotURLTemplate, bidURL, refererTemplate string) *Client {
	return &Client{
		httpClient:          &http.Client{Timeout: 15 * time.Second},
		SnapshotURLTemplate: snapshotURLTemplate,
		BidURL:              bidURL,
		RefererTemplate:     refererTemplate,
	}
}

// Authenticate installs the cookie blob used on subsequent requests.
func (c *Client) Authenticate(cookies []byte) {
	c.cookies = cookies
}

// CheckAuth reports whether credentials are installed.
func (c *Client) CheckAuth() AuthStatus {
	if len(c.cookies) == 0 {
		return AuthStatus{Authenticated: false}
	}
	count := strings.Count(string(c.cookies), ";") + 1
	return AuthStatus{Authenticated: true, CookieCount: count}
}

// GetAuctionData fetches and normalizes a snapshot for productID.
func (c *Client) GetAuctionData(ctx context.Context, productID int64) (model.Snapshot, ErrorType, error) {
	ctx, span := tracing.StartSpan(ctx, "upstream.GetAuctionData", map[string]string{
		"product_id": fmt.Sprintf("%d", productID),
	})
	defer span.End()

	getCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf(c.SnapshotURLTemplate, productID)
	req, err := http.NewRequestWithContext(getCtx, http.MethodGet, url, nil)
	if err != nil {
		return model.Snapshot{}, UnknownError, err
	}
	if len(c.cookies) > 0 {
		req.Header.Set("Cookie", string(c.cookies))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		log.WithError(err).WithField("latency_ms", latency.Milliseconds()).Warn("upstream: snapshot request failed")
		return model.Snapshot{}, ConnectionError, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Snapshot{}, ConnectionError, err
	}

	if resp.StatusCode >= 500 {
		return model.Snapshot{}, ServerError, fmt.Errorf("upstream: snapshot status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return model.Snapshot{}, classify(resp.StatusCode, string(body)), fmt.Errorf("upstream: snapshot status %d", resp.StatusCode)
	}

	var parsed upstreamProduct
	if err := json.Unmarshal(body, &parsed); err != nil {
		return model.Snapshot{}, UnknownError, err
	}

	closeTime := time.UnixMilli(parsed.Product.CloseTime.Value)
	remaining := int64(0)
	if d := time.Until(closeTime); d > 0 {
		remaining = int64(d / time.Second)
	}

	snap := model.Snapshot{
		CurrentBid:        int64(parsed.Product.CurrentPrice),
		NextBid:           parsed.Product.UserState.NextBid,
		BidCount:          parsed.Product.BidCount,
		IsWinning:         parsed.Product.UserState.IsWinning,
		IsClosed:          parsed.Product.IsClosed,
		TimeRemaining:     remaining,
		CloseTime:         closeTime,
		ExtensionInterval: parsed.Product.ExtensionInterval,
	}

	log.WithFields(log.Fields{
		"product_id": productID,
		"latency_ms": latency.Milliseconds(),
	}).Debug("upstream: snapshot fetched")

	span.SetAttr("error_type", "")
	return snap, "", nil
}

// PlaceBid posts a bid and classifies the result per §4.2.
func (c *Client) PlaceBid(ctx context.Context, productID, amount int64) BidResult {
	if amount > model.MaxMonetaryValue || amount < 0 {
		return BidResult{ErrorType: ValidationError, Error: "bid amount out of range"}
	}

	ctx, span := tracing.StartSpan(ctx, "upstream.PlaceBid", map[string]string{
		"product_id": fmt.Sprintf("%d", productID),
	})
	defer span.End()

	bidCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	payload, err := json.Marshal(map[string]int64{"productId": productID, "bid": amount})
	if err != nil {
		return BidResult{ErrorType: UnknownError, Error: err.Error(), Retryable: true}
	}

	req, err := http.NewRequestWithContext(bidCtx, http.MethodPost, c.BidURL, bytes.NewReader(payload))
	if err != nil {
		return BidResult{ErrorType: UnknownError, Error: err.Error(), Retryable: true}
	}
	req.Header.Set("Content-Type", "application/json")
	if len(c.cookies) > 0 {
		req.Header.Set("Cookie", string(c.cookies))
	}
	if c.RefererTemplate != "" {
		req.Header.Set("Referer", fmt.Sprintf(c.RefererTemplate, productID))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		log.WithError(err).WithField("latency_ms", latency.Milliseconds()).Warn("upstream: bid request failed")
		return BidResult{ErrorType: ConnectionError, Error: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return BidResult{ErrorType: ConnectionError, Error: err.Error(), Retryable: true}
	}

	et := classify(resp.StatusCode, string(body))
	log.WithFields(log.Fields{
		"product_id":  productID,
		"amount":      amount,
		"status_code": resp.StatusCode,
		"error_type":  et,
		"latency_ms":  latency.Milliseconds(),
	}).Info("upstream: bid response classified")

	if et == "" || et == Outbid {
		var parsed bidResponsePayload
		_ = json.Unmarshal(body, &parsed)
		if et == Outbid || outbidFromMessage(parsed.Message) {
			span.SetAttr("error_type", string(Outbid))
			return BidResult{
				ErrorType:            Outbid,
				Retryable:            true,
				OutbidCurrentAmount:  parsed.CurrentAmount,
				OutbidMinimumNextBid: parsed.MinimumNextBid,
			}
		}
		span.SetAttr("error_type", "")
		return BidResult{Success: true, CurrentBid: amount}
	}

	span.SetAttr("error_type", string(et))
	return BidResult{
		ErrorType: et,
		Error:     string(body),
		Retryable: Retryable(et),
	}
}

// classify implements the §4.2 taxonomy table by lowercased substring
// match on the response body, pinned here verbatim so tests can exercise
// each trigger phrase directly.
func classify(statusCode int, body string) ErrorType {
	msg := strings.ToLower(body)

	switch {
	case strings.Contains(msg, "already placed") && strings.Contains(msg, "same price"):
		return DuplicateBidAmount
	case strings.Contains(msg, "too low") || strings.Contains(msg, "minimum bid"):
		return BidTooLow
	case strings.Contains(msg, "ended") || strings.Contains(msg, "closed"):
		return AuctionEnded
	case strings.Contains(msg, "login") || strings.Contains(msg, "authentication"):
		return AuthenticationError
	case outbidFromMessage(msg):
		return Outbid
	}

	switch {
	case statusCode == http.StatusConflict:
		return DuplicateBidAmount
	case statusCode == http.StatusBadRequest:
		return BidTooLow
	case statusCode == http.StatusGone:
		return AuctionEnded
	case statusCode == http.StatusUnauthorized:
		return AuthenticationError
	case statusCode >= 500:
		return ServerError
	case statusCode >= 400:
		return UnknownError
	}
	return ""
}

func outbidFromMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "higher maximum bid") || strings.Contains(msg, "outbid")
}
