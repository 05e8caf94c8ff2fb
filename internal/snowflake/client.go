package snowflake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dwickyfp/rosetta/internal/config"
)

// Client talks the Snowpipe Streaming REST protocol: key-pair JWT auth,
// ingest hostname discovery, channel open, NDJSON row appends threaded by
// continuation token.
//
// The client is not safe for concurrent use; the sink serialises access so
// the per-channel continuation chain cannot interleave.
type Client struct {
	http    *http.Client
	cfg     *config.SnowflakeConfig
	auth    *AuthManager
	logger  zerolog.Logger
	baseURL string

	ingestHost string
	token      string
	sequencer  uint64
}

type openChannelResponse struct {
	ClientSequencer       *uint64 `json:"client_sequencer"`
	NextContinuationToken string  `json:"next_continuation_token"`
}

type insertRowsResponse struct {
	NextContinuationToken string `json:"next_continuation_token"`
}

// NewClient builds a streaming client for one SNOWFLAKE destination.
func NewClient(cfg *config.SnowflakeConfig, logger zerolog.Logger) (*Client, error) {
	auth, err := NewAuthManager(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		http:    &http.Client{Timeout: 60 * time.Second},
		cfg:     cfg,
		auth:    auth,
		logger:  logger.With().Str("component", "snowpipe-client").Logger(),
		baseURL: auth.AccountURL(),
	}, nil
}

// Authenticate signs a fresh JWT and, on first use, discovers the ingest
// host. The JWT itself is the ingest bearer token; no separate exchange.
func (c *Client) Authenticate(ctx context.Context) error {
	token, err := c.auth.GenerateJWT()
	if err != nil {
		return err
	}

	if c.ingestHost == "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/streaming/hostname", nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Snowflake-Authorization-Token-Type", "KEYPAIR_JWT")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("hostname discovery: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("hostname discovery read: %w", err)
		}
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("hostname discovery failed (%d): %s", resp.StatusCode, body)
		}

		// The body is the raw hostname; underscores become dashes.
		host := strings.ReplaceAll(strings.TrimSpace(string(body)), "_", "-")
		c.ingestHost = "https://" + host
		c.logger.Debug().Str("ingest_host", c.ingestHost).Msg("ingest host discovered")
	}

	c.token = token
	c.logger.Info().Msg("authenticated with Snowflake")
	return nil
}

// pipeName derives the streaming pipe for a target table.
func pipeName(targetTable string) string {
	return strings.ToUpper(targetTable) + "-STREAMING"
}

func (c *Client) targetDatabase() string {
	if c.cfg.LandingDatabase != "" {
		return c.cfg.LandingDatabase
	}
	return c.cfg.Database
}

func (c *Client) targetSchema() string {
	if c.cfg.LandingSchema != "" {
		return c.cfg.LandingSchema
	}
	return c.cfg.Schema
}

// OpenChannel opens (or reopens) the logical channel for a target table and
// returns the initial continuation token. The server-issued client sequencer
// is retained and echoed on every row append.
func (c *Client) OpenChannel(ctx context.Context, targetTable, channelSuffix string) (string, error) {
	return c.openChannel(ctx, targetTable, channelSuffix, true)
}

func (c *Client) openChannel(ctx context.Context, targetTable, channelSuffix string, retryAuth bool) (string, error) {
	if c.token == "" {
		if err := c.Authenticate(ctx); err != nil {
			return "", err
		}
	}

	pipe := pipeName(targetTable)
	channel := pipe + "_" + channelSuffix
	endpoint := fmt.Sprintf("%s/v2/streaming/databases/%s/schemas/%s/pipes/%s/channels/%s",
		c.ingestHost, c.targetDatabase(), c.targetSchema(), pipe, channel)

	payload, err := json.Marshal(map[string]string{"role": c.cfg.Role})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("open channel: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("open channel read: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized && retryAuth {
		c.logger.Warn().Msg("token expired, re-authenticating")
		if err := c.Authenticate(ctx); err != nil {
			return "", err
		}
		return c.openChannel(ctx, targetTable, channelSuffix, false)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("open channel failed (%d): %s", resp.StatusCode, body)
	}

	var parsed openChannelResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode open channel response: %w", err)
	}
	if parsed.ClientSequencer != nil {
		c.sequencer = *parsed.ClientSequencer
	}

	c.logger.Info().Str("channel", channel).Msg("channel opened")
	return parsed.NextContinuationToken, nil
}

// InsertRows appends rows to a channel as NDJSON and returns the next
// continuation token. The passed token must be the one returned by the
// previous call on this channel (or by OpenChannel for the first append).
func (c *Client) InsertRows(ctx context.Context, targetTable, channelSuffix string, rows []json.RawMessage, continuationToken string) (string, error) {
	return c.insertRows(ctx, targetTable, channelSuffix, rows, continuationToken, true)
}

func (c *Client) insertRows(ctx context.Context, targetTable, channelSuffix string, rows []json.RawMessage, continuationToken string, retryAuth bool) (string, error) {
	pipe := pipeName(targetTable)
	channel := pipe + "_" + channelSuffix
	endpoint := fmt.Sprintf("%s/v2/streaming/data/databases/%s/schemas/%s/pipes/%s/channels/%s/rows",
		c.ingestHost, c.targetDatabase(), c.targetSchema(), pipe, channel)
	if continuationToken != "" {
		endpoint += "?continuationToken=" + url.QueryEscape(continuationToken)
	}

	var ndjson bytes.Buffer
	for _, row := range rows {
		ndjson.Write(row)
		ndjson.WriteByte('\n')
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &ndjson)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("X-Snowflake-Client-Sequencer", fmt.Sprintf("%d", c.sequencer))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("insert rows: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("insert rows read: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized && retryAuth {
		c.logger.Warn().Msg("token expired, re-authenticating")
		if err := c.Authenticate(ctx); err != nil {
			return "", err
		}
		return c.insertRows(ctx, targetTable, channelSuffix, rows, continuationToken, false)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("insert rows failed (%d): %s", resp.StatusCode, body)
	}

	var parsed insertRowsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode insert rows response: %w", err)
	}
	return parsed.NextContinuationToken, nil
}
