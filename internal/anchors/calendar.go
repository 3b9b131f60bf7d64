package anchors

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// CalendarError is the typed failure taxonomy for the blockchain-calendar
// client.
type CalendarError struct {
	Kind   string
	Reason string
}

func (e *CalendarError) Error() string {
	switch e.Kind {
	case "submission_failed":
		return fmt.Sprintf("anchors/calendar: submission failed: %s", e.Reason)
	case "upgrade_timeout":
		return "anchors/calendar: upgrade_timeout"
	case "invalid_receipt":
		return fmt.Sprintf("anchors/calendar: invalid receipt: %s", e.Reason)
	case "network_error":
		return fmt.Sprintf("anchors/calendar: network error: %s", e.Reason)
	default:
		return "anchors/calendar: " + e.Kind
	}
}

// receiptStatus mirrors the calendar server's own receipt state machine.
type receiptStatus string

const (
	receiptPending   receiptStatus = "pending"
	receiptConfirmed receiptStatus = "confirmed"
)

type calendarReceipt struct {
	Status      receiptStatus
	SubmittedAt time.Time
	BlockHeight uint64
	TxID        string
}

// CalendarClient implements the idempotent submit-then-poll blockchain
// calendar protocol of spec §4.3, grounded on the teacher's OpenTimestamps
// -style calendar client (internal/anchors/ots.go in the teacher).
type CalendarClient struct {
	Endpoint      string
	HTTP          *http.Client
	PollInterval  time.Duration
	MaxAttempts   int
	UpgradeBudget time.Duration
}

// NewCalendarClient returns a client against endpoint with the default
// exponential-backoff polling budget.
func NewCalendarClient(endpoint string) *CalendarClient {
	return &CalendarClient{
		Endpoint:      endpoint,
		HTTP:          &http.Client{Timeout: 30 * time.Second},
		PollInterval:  time.Second,
		MaxAttempts:   6,
		UpgradeBudget: 2 * time.Minute,
	}
}

// Request implements Client: submit, then poll with exponential backoff
// until a confirmed receipt arrives or the attempt budget is exhausted.
func (c *CalendarClient) Request(ctx context.Context, hash [32]byte) (TimeEvidence, error) {
	submittedAt, err := c.submit(ctx, hash)
	if err != nil {
		return TimeEvidence{}, err
	}

	receipt, err := c.upgrade(ctx, hash)
	if err != nil {
		return TimeEvidence{}, err
	}
	_ = receipt

	return TimeEvidence{
		Source:   SourceCalendar,
		TimeNS:   uint64(submittedAt.UnixNano()),
		Status:   StatusVerified,
		RawProof: []byte(hex.EncodeToString(hash[:])),
	}, nil
}

func (c *CalendarClient) submit(ctx context.Context, hash [32]byte) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/submit",
		bytes.NewReader(hash[:]))
	if err != nil {
		return time.Time{}, &CalendarError{Kind: "submission_failed", Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return time.Time{}, &CalendarError{Kind: "network_error", Reason: err.Error()}
	}
	defer resp.Body.Close()

	// Submission is idempotent: the server is expected to accept a
	// resubmission of the same hash (e.g. after a client-side retry)
	// without creating a duplicate calendar entry, signalled either by
	// 200 (accepted) or 409 (already pending/confirmed).
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return time.Time{}, &CalendarError{Kind: "submission_failed", Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	return time.Now().UTC(), nil
}

func (c *CalendarClient) upgrade(ctx context.Context, hash [32]byte) (*calendarReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.UpgradeBudget)
	defer cancel()

	backoff := c.PollInterval
	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		receipt, err := c.poll(ctx, hash)
		if err != nil {
			return nil, err
		}
		if receipt.Status == receiptConfirmed {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, &CalendarError{Kind: "upgrade_timeout"}
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, &CalendarError{Kind: "upgrade_timeout"}
}

func (c *CalendarClient) poll(ctx context.Context, hash [32]byte) (*calendarReceipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/timestamp/%s", c.Endpoint, hex.EncodeToString(hash[:])), nil)
	if err != nil {
		return nil, &CalendarError{Kind: "invalid_receipt", Reason: err.Error()}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &CalendarError{Kind: "upgrade_timeout"}
		}
		return nil, &CalendarError{Kind: "network_error", Reason: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return &calendarReceipt{Status: receiptConfirmed, SubmittedAt: time.Now().UTC()}, nil
	case http.StatusAccepted:
		return &calendarReceipt{Status: receiptPending}, nil
	default:
		return nil, &CalendarError{Kind: "invalid_receipt", Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}
}
