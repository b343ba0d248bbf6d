package qq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"qqbot/pkg/bus"
)

const DefaultAPIBaseURL = "https://api.sgroup.qq.com"

// DeliveryError reports a reply the platform did not accept.
type DeliveryError struct {
	Channel  bus.ChannelKind
	TargetID string
	Status   int
	Body     string
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("deliver %s message to %s: status %d: %s", e.Channel, e.TargetID, e.Status, e.Body)
	}
	return fmt.Sprintf("deliver %s message to %s: %v", e.Channel, e.TargetID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

type SenderOptions struct {
	BaseURL string
	// Rate is the sustained number of sends per second; zero disables limiting.
	Rate    float64
	Burst   int
	Timeout time.Duration
}

// Sender posts replies to the delivery API.
type Sender struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewSender(opts SenderOptions, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}

	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}

	return &Sender{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		log:     log.With("component", "channel.qq.sender"),
	}
}

type messageRequest struct {
	Content string `json:"content"`
	MsgType int    `json:"msg_type"`
	MsgID   string `json:"msg_id,omitempty"`
	MsgSeq  int64  `json:"msg_seq"`
}

// Send delivers msg using token. Failures are returned, never retried.
func (s *Sender) Send(ctx context.Context, token string, msg bus.OutboundMessage) error {
	endpoint, err := s.endpoint(msg)
	if err != nil {
		return &DeliveryError{Channel: msg.Channel, TargetID: msg.TargetID, Err: err}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return &DeliveryError{Channel: msg.Channel, TargetID: msg.TargetID, Err: fmt.Errorf("wait for rate limiter: %w", err)}
	}

	body, err := json.Marshal(messageRequest{
		Content: msg.Body,
		MsgType: 0,
		MsgID:   msg.InReplyToID,
		MsgSeq:  msg.Sequence,
	})
	if err != nil {
		return &DeliveryError{Channel: msg.Channel, TargetID: msg.TargetID, Err: fmt.Errorf("encode message: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Channel: msg.Channel, TargetID: msg.TargetID, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "QQBot "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &DeliveryError{Channel: msg.Channel, TargetID: msg.TargetID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &DeliveryError{
			Channel:  msg.Channel,
			TargetID: msg.TargetID,
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(payload)),
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	s.log.Debug("Message delivered", "channel", msg.Channel, "target_id", msg.TargetID, "msg_seq", msg.Sequence)
	return nil
}

func (s *Sender) endpoint(msg bus.OutboundMessage) (string, error) {
	if strings.TrimSpace(msg.TargetID) == "" {
		return "", errors.New("target id is required")
	}

	target := url.PathEscape(msg.TargetID)
	switch msg.Channel {
	case bus.ChannelGroup:
		return s.baseURL + "/v2/groups/" + target + "/messages", nil
	case bus.ChannelDirectUser:
		return s.baseURL + "/v2/users/" + target + "/messages", nil
	default:
		return "", fmt.Errorf("unknown channel %q", msg.Channel)
	}
}
