package mpesa

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// Config holds the Daraja credentials and endpoints.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
}

// Client drives STK push requests against the Daraja API. Calls run behind a
// circuit breaker so a dead gateway fails fast instead of tying up request
// handlers.
type Client struct {
	http *resty.Client
	cb   *gobreaker.CircuitBreaker
	cfg  Config
	log  zerolog.Logger

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	logger := log.With().Str("component", "mpesa").Logger()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mpesa",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})

	return &Client{
		http: httpClient,
		cb:   cb,
		cfg:  cfg,
		log:  logger,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken returns the cached OAuth token, fetching a fresh one when the
// cache is empty or stale. The lock is held across the fetch so concurrent
// handlers share one request instead of racing the cache fields.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	auth := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	var body tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Basic "+auth).
		SetResult(&body).
		Get(c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials")
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	if resp.IsError() || body.AccessToken == "" {
		return "", fmt.Errorf("token request failed: %s", resp.Status())
	}

	c.token = body.AccessToken
	c.tokenExpiry = time.Now().Add(50 * time.Minute)
	return c.token, nil
}

// StkRequest is one push-to-pay attempt.
type StkRequest struct {
	AmountKES  int
	Phone      string
	AccountRef string
}

// StkResponse carries the gateway identifiers the callback will echo back.
type StkResponse struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResponseCode      string `json:"ResponseCode"`
	CustomerMessage   string `json:"CustomerMessage"`
}

// InitiateStkPush asks the gateway to prompt the subscriber's phone for
// payment. The CheckoutRequestID in the response is the origin reference the
// engine later correlates the callback with.
func (c *Client) InitiateStkPush(ctx context.Context, req StkRequest) (*StkResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))
	msisdn := NormalizeMSISDN(req.Phone)
	accountRef := req.AccountRef
	if accountRef == "" {
		accountRef = "WiFi Subscription"
	}

	payload := map[string]interface{}{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            req.AmountKES,
		"PartyA":            msisdn,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       msisdn,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  accountRef,
		"TransactionDesc":   "WiFi Subscription Payment",
	}

	out, err := c.cb.Execute(func() (interface{}, error) {
		var body StkResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(payload).
			SetResult(&body).
			Post(c.cfg.BaseURL + "/mpesa/stkpush/v1/processrequest")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("stk push failed: %s", resp.Status())
		}
		return &body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	result := out.(*StkResponse)
	c.log.Info().Str("checkout_request_id", result.CheckoutRequestID).Str("msisdn", msisdn).
		Int("amount", req.AmountKES).Msg("STK push sent")
	return result, nil
}

// NormalizeMSISDN coerces a Kenyan phone number into 2547XXXXXXXX form.
func NormalizeMSISDN(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if strings.HasPrefix(digits, "254") {
		return digits
	}
	if len(digits) >= 9 {
		return "254" + digits[len(digits)-9:]
	}
	return digits
}
