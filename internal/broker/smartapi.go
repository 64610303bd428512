// Package broker provides the Angel One SmartAPI client used for session
// management and market-data retrieval (LTP quotes, option Greeks, derivative
// movers, historical candles).
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://apiconnect.angelone.in"

// SmartAPI endpoint paths, reproduced from the vendor REST surface.
const (
	pathLogin          = "/rest/auth/angelbroking/user/v1/loginByPassword"
	pathGenerateTokens = "/rest/auth/angelbroking/jwt/v1/generateTokens"
	pathLogout         = "/rest/secure/angelbroking/user/v1/logout"
	pathProfile        = "/rest/secure/angelbroking/user/v1/getProfile"
	pathLTPData        = "/rest/secure/angelbroking/order/v1/getLtpData"
	pathOptionGreeks   = "/rest/secure/angelbroking/marketData/v1/optionGreek"
	pathGainersLosers  = "/rest/secure/angelbroking/marketData/v1/gainersLosers"
	pathCandleData     = "/rest/secure/angelbroking/historical/v1/getCandleData"
)

// SmartAPI is the low-level HTTP client for the Angel One REST surface.
// It performs no session bookkeeping of its own; the SessionManager injects
// the bearer token per request.
type SmartAPI struct {
	client  *http.Client
	apiKey  string
	baseURL string
	timeout time.Duration
}

// NewSmartAPI creates a SmartAPI client with default settings.
func NewSmartAPI(apiKey string) *SmartAPI {
	return NewSmartAPIWithBaseURL(apiKey, "")
}

// NewSmartAPIWithBaseURL creates a SmartAPI client with an optional custom
// baseURL (tests point this at an httptest server).
func NewSmartAPIWithBaseURL(apiKey, baseURL string) *SmartAPI {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	defaultTimeout := 10 * time.Second
	return &SmartAPI{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		timeout: defaultTimeout,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (s *SmartAPI) WithHTTPClient(c *http.Client) *SmartAPI {
	if c != nil {
		s.client = c
	}
	return s
}

// WithTimeout sets the HTTP client timeout duration.
func (s *SmartAPI) WithTimeout(timeout time.Duration) *SmartAPI {
	s.timeout = timeout
	if s.client != nil {
		s.client.Timeout = timeout
	}
	return s
}

// ============ EXACT API Response Structures ============

// envelope is the SmartAPI response wrapper. The venue is inconsistent about
// field casing across endpoints, so both spellings are handled.
type envelope struct {
	Status    bool            `json:"status"`
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrCode   string          `json:"errorCode"`
	Data      json.RawMessage `json:"data"`
}

func (e *envelope) ok() bool {
	return e.Status || e.Success
}

func (e *envelope) code() string {
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	return e.ErrCode
}

// LoginData is the payload returned by loginByPassword and generateTokens.
type LoginData struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// Profile represents the authenticated user's profile.
type Profile struct {
	ClientCode   string   `json:"clientcode"`
	Name         string   `json:"name"`
	Email        string   `json:"email"`
	Mobile       string   `json:"mobileno"`
	Exchanges    []string `json:"exchanges"`
	Products     []string `json:"products"`
	BrokerID     string   `json:"brokerid"`
	LastLogin    string   `json:"lastlogintime"`
	AccountType  string   `json:"accounttype"`
}

// LTPData is the last-traded-price quote for one instrument.
type LTPData struct {
	Exchange      string  `json:"exchange"`
	TradingSymbol string  `json:"tradingsymbol"`
	SymbolToken   string  `json:"symboltoken"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	LTP           float64 `json:"ltp"`
}

// GreekRow is one raw option-Greeks row as returned by the venue. All numeric
// fields arrive as strings and are parsed downstream; a row that fails to
// parse is skipped, not fatal.
type GreekRow struct {
	Name              string `json:"name"`
	Expiry            string `json:"expiry"`
	StrikePrice       string `json:"strikePrice"`
	OptionType        string `json:"optionType"`
	Delta             string `json:"delta"`
	Gamma             string `json:"gamma"`
	Theta             string `json:"theta"`
	Vega              string `json:"vega"`
	ImpliedVolatility string `json:"impliedVolatility"`
	TradeVolume       string `json:"tradeVolume"`
}

// MoverRow is one derivatives gainer/loser row.
type MoverRow struct {
	TradingSymbol string  `json:"tradingSymbol"`
	PercentChange float64 `json:"percentChange"`
	SymbolToken   int64   `json:"symbolToken"`
	OpnInterest   float64 `json:"opnInterest"`
	NetChangeOI   float64 `json:"netChangeOpnInterest"`
}

// Candle is one OHLCV bar from the historical data API. The venue returns
// bars as positional arrays [timestamp, o, h, l, c, v].
type Candle struct {
	Timestamp string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// UnmarshalJSON decodes the venue's positional candle array.
func (c *Candle) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) < 5 {
		return fmt.Errorf("candle row has %d fields, want >= 5", len(raw))
	}
	if err := json.Unmarshal(raw[0], &c.Timestamp); err != nil {
		return err
	}
	nums := []*float64{&c.Open, &c.High, &c.Low, &c.Close}
	for i, dst := range nums {
		if err := json.Unmarshal(raw[i+1], dst); err != nil {
			return err
		}
	}
	if len(raw) > 5 {
		if err := json.Unmarshal(raw[5], &c.Volume); err != nil {
			return err
		}
	}
	return nil
}

// ============ API Methods ============

// Login submits credentials plus a TOTP code and returns the session tokens.
func (s *SmartAPI) Login(ctx context.Context, clientCode, password, totp string) (*LoginData, error) {
	body := map[string]string{
		"clientcode": clientCode,
		"password":   password,
		"totp":       totp,
	}
	var data LoginData
	if err := s.post(ctx, pathLogin, "", body, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GenerateTokens exchanges a refresh token for a new JWT.
func (s *SmartAPI) GenerateTokens(ctx context.Context, accessToken, refreshToken string) (*LoginData, error) {
	body := map[string]string{"refreshToken": refreshToken}
	var data LoginData
	if err := s.post(ctx, pathGenerateTokens, accessToken, body, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Logout terminates the venue session for the client code.
func (s *SmartAPI) Logout(ctx context.Context, accessToken, clientCode string) error {
	body := map[string]string{"clientcode": clientCode}
	return s.post(ctx, pathLogout, accessToken, body, nil)
}

// GetProfile fetches the authenticated user's profile.
func (s *SmartAPI) GetProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var data Profile
	if err := s.get(ctx, pathProfile, accessToken, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetLTPData fetches the last traded price for one instrument.
func (s *SmartAPI) GetLTPData(ctx context.Context, accessToken, exchange, tradingSymbol, symbolToken string) (*LTPData, error) {
	body := map[string]string{
		"exchange":      exchange,
		"tradingsymbol": tradingSymbol,
		"symboltoken":   symbolToken,
	}
	var data LTPData
	if err := s.post(ctx, pathLTPData, accessToken, body, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetOptionGreeks fetches the Greeks rows for a symbol and expiry.
func (s *SmartAPI) GetOptionGreeks(ctx context.Context, accessToken, name, expiryDate string) ([]GreekRow, error) {
	body := map[string]string{
		"name":       name,
		"expirydate": expiryDate,
	}
	var rows []GreekRow
	if err := s.post(ctx, pathOptionGreeks, accessToken, body, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetGainersLosers fetches the top derivative movers for a data type and
// expiry bucket. Inputs are validated by the caller.
func (s *SmartAPI) GetGainersLosers(ctx context.Context, accessToken, dataType, expiryType string) ([]MoverRow, error) {
	body := map[string]string{
		"datatype":   dataType,
		"expirytype": expiryType,
	}
	var rows []MoverRow
	if err := s.post(ctx, pathGainersLosers, accessToken, body, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetCandleData fetches historical OHLCV bars.
func (s *SmartAPI) GetCandleData(ctx context.Context, accessToken, exchange, symbolToken, interval, fromDate, toDate string) ([]Candle, error) {
	body := map[string]string{
		"exchange":    exchange,
		"symboltoken": symbolToken,
		"interval":    interval,
		"fromdate":    fromDate,
		"todate":      toDate,
	}
	var candles []Candle
	if err := s.post(ctx, pathCandleData, accessToken, body, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

// ============ HTTP plumbing ============

func (s *SmartAPI) get(ctx context.Context, path, accessToken string, out interface{}) error {
	return s.do(ctx, http.MethodGet, path, accessToken, nil, out)
}

func (s *SmartAPI) post(ctx context.Context, path, accessToken string, body, out interface{}) error {
	return s.do(ctx, http.MethodPost, path, accessToken, body, out)
}

// do makes an HTTP request against the SmartAPI surface, unwraps the response
// envelope, and maps venue-reported failures to *APIError.
func (s *SmartAPI) do(ctx context.Context, method, path, accessToken string, body, out interface{}) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-PrivateKey", s.apiKey)
	req.Header.Set("User-Agent", "deltadeck/1.0 (+smartapi)")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if readErr != nil {
			return NewAPIError(codeInternal, fmt.Sprintf("%s %s -> HTTP %d", method, path, resp.StatusCode))
		}
		// The venue sometimes returns a JSON envelope even on non-200 responses
		var env envelope
		if jsonErr := json.Unmarshal(raw, &env); jsonErr == nil && env.code() != "" {
			return NewAPIError(env.code(), env.Message)
		}
		return NewAPIError(codeInternal, fmt.Sprintf("%s %s -> HTTP %d: %s", method, path, resp.StatusCode, string(raw)))
	}

	var env envelope
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&env); err != nil && err != io.EOF {
		return fmt.Errorf("decoding response: %w", err)
	}

	if !env.ok() {
		return NewAPIError(env.code(), env.Message)
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}
