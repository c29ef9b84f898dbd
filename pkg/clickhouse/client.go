package clickhouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethpandaops/matview/pkg/observability"
	"github.com/sirupsen/logrus"
)

// Define static errors
var (
	ErrClickHouseResponse = errors.New("clickhouse error")
)

// clickhouseResponse represents the JSON response from ClickHouse HTTP interface.
type clickhouseResponse struct {
	Data []json.RawMessage `json:"data"`
	Meta []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"meta"`
	Rows     int `json:"rows"`
	RowsRead int `json:"rows_read"` //nolint:tagliatelle // ClickHouse API uses snake_case
}

// ClientInterface defines the methods for interacting with ClickHouse
type ClientInterface interface {
	// QueryOne executes a query and decodes the first row into dest
	QueryOne(ctx context.Context, query string, dest interface{}) error
	// QueryRows executes a query and returns every row as a JSON object
	QueryRows(ctx context.Context, query string) ([]json.RawMessage, error)
	// Execute runs a statement and returns the raw response body
	Execute(ctx context.Context, query string) ([]byte, error)
	// InsertRows bulk inserts JSON objects into table
	InsertRows(ctx context.Context, table string, rows []json.RawMessage) error
	// Start checks connectivity
	Start() error
	// Stop closes idle connections
	Stop() error
}

// client implements the ClientInterface using HTTP
type client struct {
	log           logrus.FieldLogger
	httpClient    *http.Client
	baseURL       string
	debug         bool
	queryTimeout  time.Duration
	insertTimeout time.Duration
}

// NewClient creates a new HTTP-based ClickHouse client
func NewClient(logger logrus.FieldLogger, cfg *Config) (ClientInterface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.SetDefaults()

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     cfg.KeepAlive,
		DisableKeepAlives:   false,
	}

	return &client{
		log:           logger.WithField("component", "clickhouse-http"),
		httpClient:    &http.Client{Transport: transport},
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		debug:         cfg.Debug,
		queryTimeout:  cfg.QueryTimeout,
		insertTimeout: cfg.InsertTimeout,
	}, nil
}

func (c *client) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Execute(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	c.log.Info("Connected to ClickHouse HTTP interface")

	return nil
}

func (c *client) Stop() error {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}

	c.log.Info("Closed ClickHouse HTTP client")

	return nil
}

func (c *client) QueryOne(ctx context.Context, query string, dest interface{}) error {
	result, err := c.queryJSON(ctx, "query", query)
	if err != nil {
		return err
	}

	if len(result.Data) == 0 {
		// No rows found, return without error but don't unmarshal
		return nil
	}

	if err := json.Unmarshal(result.Data[0], dest); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}

	return nil
}

func (c *client) QueryRows(ctx context.Context, query string) ([]json.RawMessage, error) {
	result, err := c.queryJSON(ctx, "select", query)
	if err != nil {
		return nil, err
	}

	return result.Data, nil
}

func (c *client) queryJSON(ctx context.Context, operation, query string) (*clickhouseResponse, error) {
	// Numbers come back unquoted so rows can be inserted back as they are
	params := url.Values{}
	params.Set("output_format_json_quote_64bit_integers", "0")

	resp, err := c.executeHTTPRequest(ctx, operation, strings.TrimRight(strings.TrimSpace(query), ";")+" FORMAT JSON", c.getTimeout(ctx, "query"), params)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}

	var result clickhouseResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &result, nil
}

func (c *client) Execute(ctx context.Context, query string) ([]byte, error) {
	body, err := c.executeHTTPRequest(ctx, "execute", query, c.getTimeout(ctx, "query"), nil)
	if err != nil {
		return nil, fmt.Errorf("execution failed: %w", err)
	}

	return body, nil
}

func (c *client) InsertRows(ctx context.Context, table string, rows []json.RawMessage) error {
	if len(rows) == 0 {
		return nil
	}

	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow\n", table))

	for _, row := range rows {
		buf.Write(row)
		buf.WriteByte('\n')
	}

	if _, err := c.executeHTTPRequest(ctx, "insert", buf.String(), c.getTimeout(ctx, "insert"), nil); err != nil {
		return fmt.Errorf("bulk insert failed: %w", err)
	}

	return nil
}

func (c *client) executeHTTPRequest(ctx context.Context, operation, query string, timeout time.Duration, params url.Values) (body []byte, err error) {
	start := time.Now()

	defer func() {
		status := "success"
		if err != nil {
			status = "failed"
		}

		observability.RecordClickHouseQuery(operation, status, time.Since(start).Seconds())
	}()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.baseURL
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}

		endpoint += sep + params.Encode()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "text/plain")

	if c.debug {
		// For large inserts, truncate the query
		logQuery := query
		if len(query) > 1000 && strings.HasPrefix(query, "INSERT") {
			logQuery = query[:1000] + "... (truncated)"
		}

		c.log.WithField("query", logQuery).Debug("Executing ClickHouse query")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.log.WithError(closeErr).Debug("Failed to close response body")
		}
	}()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Exception string `json:"exception"`
		}

		if jsonErr := json.Unmarshal(body, &errorResp); jsonErr == nil && errorResp.Exception != "" {
			return nil, fmt.Errorf("%w (status %d): %s", ErrClickHouseResponse, resp.StatusCode, errorResp.Exception)
		}

		return nil, fmt.Errorf("%w (status %d): %s", ErrClickHouseResponse, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if c.debug && len(body) < 1000 {
		c.log.WithField("response", string(body)).Debug("ClickHouse response")
	}

	return body, nil
}

func (c *client) getTimeout(ctx context.Context, operation string) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}

	if operation == "insert" {
		return c.insertTimeout
	}

	return c.queryTimeout
}
