// Package pipeline runs one replication task: it owns the replication
// connection, decodes the WAL stream into event batches, and feeds them to
// the pipeline's destination, acknowledging slot progress only after a batch
// is accepted.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/dwickyfp/rosetta/internal/cdc"
	"github.com/dwickyfp/rosetta/internal/config"
	"github.com/dwickyfp/rosetta/internal/destination"
)

const (
	connTimeout       = 30 * time.Second
	maxDecoderRetries = 5
	initialRetryDelay = 2 * time.Second
	maxRetryDelay     = 30 * time.Second
)

// Config describes one pipeline's replication source, batching bounds, and
// decoder retry policy.
type Config struct {
	PipelineID  int32
	Source      config.DatabaseConfig
	Publication string
	SlotName    string
	Batch       config.BatchConfig
	Retry       config.RetryConfig
}

func (c Config) retryDelay() time.Duration {
	if c.Retry.DelayMS > 0 {
		return time.Duration(c.Retry.DelayMS) * time.Millisecond
	}
	return initialRetryDelay
}

func (c Config) retryMaxAttempts() int {
	if c.Retry.MaxAttempts > 0 {
		return c.Retry.MaxAttempts
	}
	return maxDecoderRetries
}

// Pipeline streams changes from one source into one (possibly fanned-out)
// destination.
type Pipeline struct {
	cfg    Config
	sink   destination.Destination
	logger zerolog.Logger

	replConn *pgconn.PgConn
	decoder  *cdc.Decoder
}

// New creates a Pipeline bound to the given sink.
func New(cfg Config, sink destination.Destination, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With().Str("component", "pipeline").Int32("pipeline", cfg.PipelineID).Logger(),
	}
}

func (p *Pipeline) connect(ctx context.Context) error {
	p.logger.Info().
		Str("host", p.cfg.Source.Host).
		Uint16("port", p.cfg.Source.Port).
		Str("db", p.cfg.Source.DBName).
		Msg("connecting to source (replication)")

	replCtx, cancel := context.WithTimeout(ctx, connTimeout)
	conn, err := pgconn.Connect(replCtx, p.cfg.Source.ReplicationDSN())
	cancel()
	if err != nil {
		return fmt.Errorf("replication connection to %s:%d/%s: %w",
			p.cfg.Source.Host, p.cfg.Source.Port, p.cfg.Source.DBName, err)
	}
	p.replConn = conn
	return nil
}

func (p *Pipeline) startDecoder(ctx context.Context) (<-chan cdc.Event, error) {
	p.decoder = cdc.NewDecoder(p.replConn, p.cfg.SlotName, p.cfg.Publication, p.logger)
	if err := p.decoder.EnsureSlot(ctx); err != nil {
		return nil, err
	}
	return p.decoder.StartStreaming(ctx)
}

// Run streams until the context is cancelled or the sink reports a terminal
// error. Decoder failures are retried with backoff; retries reset whenever
// the confirmed position advances.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.Close()

	if err := p.connect(ctx); err != nil {
		return err
	}
	ch, err := p.startDecoder(ctx)
	if err != nil {
		return err
	}

	retries := 0
	delay := p.cfg.retryDelay()
	maxRetries := p.cfg.retryMaxAttempts()
	watermark := pglogrepl.LSN(0)
	var lastConfirmed pglogrepl.LSN

	for {
		confirmed, err := p.consume(ctx, ch)
		if confirmed > lastConfirmed {
			lastConfirmed = confirmed
		}
		if err != nil {
			return err
		}

		decErr := p.decoder.Err()
		if decErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if lastConfirmed > watermark {
			watermark = lastConfirmed
			retries = 0
			delay = p.cfg.retryDelay()
		}
		retries++
		if retries > maxRetries {
			return fmt.Errorf("decoder: %w (exhausted %d retries)", decErr, maxRetries)
		}

		p.logger.Warn().
			Err(decErr).
			Int("retry", retries).
			Stringer("resume_lsn", lastConfirmed).
			Dur("delay", delay).
			Msg("decoder failed, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)

		ch, err = p.reconnect(ctx)
		if err != nil {
			return fmt.Errorf("reconnect decoder: %w (original: %v)", err, decErr)
		}
	}
}

// consume drains the event channel into bounded batches and writes them to
// the sink. It returns the highest confirmed LSN when the channel closes.
func (p *Pipeline) consume(ctx context.Context, ch <-chan cdc.Event) (pglogrepl.LSN, error) {
	maxFill := time.Duration(p.cfg.Batch.MaxFillMS) * time.Millisecond
	batch := make([]cdc.Event, 0, p.cfg.Batch.MaxSize)
	var commitLSN pglogrepl.LSN
	var confirmed pglogrepl.LSN

	timer := time.NewTimer(maxFill)
	defer timer.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.sink.WriteEvents(ctx, batch); err != nil {
			return fmt.Errorf("write events: %w", err)
		}
		// Only commit boundaries are safe to acknowledge: mid-transaction
		// positions would skip the tail of the transaction on restart.
		if commitLSN > 0 {
			p.decoder.ConfirmLSN(commitLSN)
			if commitLSN > confirmed {
				confirmed = commitLSN
			}
			commitLSN = 0
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return confirmed, ctx.Err()

		case ev, ok := <-ch:
			if !ok {
				return confirmed, flush()
			}
			batch = append(batch, ev)
			if ev.Type == cdc.EventCommit && ev.LSN > commitLSN {
				commitLSN = ev.LSN
			}
			if len(batch) >= p.cfg.Batch.MaxSize {
				if err := flush(); err != nil {
					return confirmed, err
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(maxFill)
			}

		case <-timer.C:
			if err := flush(); err != nil {
				return confirmed, err
			}
			timer.Reset(maxFill)
		}
	}
}

func (p *Pipeline) reconnect(ctx context.Context) (<-chan cdc.Event, error) {
	p.decoder.Close()
	if p.replConn != nil {
		_ = p.replConn.Close(ctx)
	}
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	return p.startDecoder(ctx)
}

// Close shuts down the decoder and replication connection.
func (p *Pipeline) Close() {
	if p.decoder != nil {
		p.decoder.Close()
	}
	if p.replConn != nil {
		_ = p.replConn.Close(context.Background())
	}
}
