package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

const (
	// FindingsSubject is where persisted findings are published
	FindingsSubject = "correlator.findings"

	// DefaultCompressThreshold is the payload size above which findings are zstd encoded
	DefaultCompressThreshold = 4096

	headerContentEncoding = "Content-Encoding"
	encodingZstd          = "zstd"
)

var errNotConnected = errors.New("NATS connection not available")

// FindingPublisher publishes findings to NATS. It satisfies processor.FindingSink.
type FindingPublisher struct {
	nc           *nats.Conn
	subject      string
	threshold    int
	flushTimeout time.Duration
	encoder      *zstd.Encoder
	logger       *slog.Logger
}

// NewFindingPublisher creates a new finding publisher. Payloads larger than
// threshold bytes are compressed; threshold <= 0 uses the default.
func NewFindingPublisher(nc *nats.Conn, threshold int, logger *slog.Logger) (*FindingPublisher, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	return &FindingPublisher{
		nc:           nc,
		subject:      FindingsSubject,
		threshold:    threshold,
		flushTimeout: 5 * time.Second,
		encoder:      encoder,
		logger:       logger,
	}, nil
}

// PersistFinding publishes the finding and waits for the server to
// acknowledge the flush. The finding id is returned as the stored id.
func (fp *FindingPublisher) PersistFinding(ctx context.Context, finding *model.Finding) (string, error) {
	if fp.nc == nil || !fp.nc.IsConnected() {
		return "", errNotConnected
	}

	msg, err := fp.encode(finding)
	if err != nil {
		return "", err
	}

	if err := fp.nc.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("failed to publish finding: %w", err)
	}

	flushCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, fp.flushTimeout)
		defer cancel()
	}
	if err := fp.nc.FlushWithContext(flushCtx); err != nil {
		return "", fmt.Errorf("failed to flush finding: %w", err)
	}

	fp.logger.Info("Published finding",
		"finding_id", finding.ID,
		"tenant_id", finding.TenantID,
		"rule_id", finding.RuleID,
		"severity", finding.Severity,
		"bytes", len(msg.Data),
		"subject", fp.subject)

	return finding.ID, nil
}

// Close releases the encoder
func (fp *FindingPublisher) Close() error {
	return fp.encoder.Close()
}

func (fp *FindingPublisher) encode(finding *model.Finding) (*nats.Msg, error) {
	data, err := json.Marshal(finding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal finding: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-finding-id", finding.ID)
	headers.Set("x-tenant-id", finding.TenantID)
	headers.Set("x-rule-id", finding.RuleID)
	headers.Set("x-severity", string(finding.Severity))

	if len(data) > fp.threshold {
		data = fp.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
		headers.Set(headerContentEncoding, encodingZstd)
	}

	return &nats.Msg{
		Subject: fp.subject,
		Data:    data,
		Header:  headers,
	}, nil
}

// DecodeFinding reverses the publisher encoding of msg
func DecodeFinding(msg *nats.Msg) (*model.Finding, error) {
	data := msg.Data
	if msg.Header.Get(headerContentEncoding) == encodingZstd {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer decoder.Close()

		data, err = decoder.DecodeAll(msg.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress finding: %w", err)
		}
	}

	var finding model.Finding
	if err := json.Unmarshal(data, &finding); err != nil {
		return nil, fmt.Errorf("failed to unmarshal finding: %w", err)
	}
	return &finding, nil
}
