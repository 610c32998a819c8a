package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/redcoll/internal/correlation"
)

const keyPrefix = "redcoll"

var (
	ErrInvalidRequest  = errors.New("remote: invalid request")
	ErrInvalidResponse = errors.New("remote: invalid response")
	ErrMessageTooLarge = errors.New("remote: message too large")
)

// MaxMessageSize bounds a single encoded envelope.
const MaxMessageSize = 1 << 20

// Request is the caller->worker envelope pushed onto a service queue.
type Request struct {
	ID         string          `json:"id"`
	Service    string          `json:"service"`
	Method     string          `json:"method"`
	Args       json.RawMessage `json:"args,omitempty"`
	ReplyTo    string          `json:"reply_to"`
	DeadlineMS int64           `json:"deadline_ms,omitempty"`
}

func (r Request) Validate() error {
	if _, err := correlation.ParseKey(r.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(r.Service) == "" {
		return fmt.Errorf("%w: missing service", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Method) == "" {
		return fmt.Errorf("%w: missing method", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ReplyTo) == "" {
		return fmt.Errorf("%w: missing reply_to", ErrInvalidRequest)
	}
	return nil
}

// Expired reports whether the caller has already given up on r.
func (r Request) Expired(now time.Time) bool {
	return r.DeadlineMS > 0 && now.UnixMilli() > r.DeadlineMS
}

// Response is the worker->caller envelope published on the reply channel.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r Response) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidResponse)
	}
	return nil
}

func EncodeRequest(r Request) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return encode(r)
}

func DecodeRequest(payload []byte) (Request, error) {
	var r Request
	if err := decode(payload, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

func EncodeResponse(r Response) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return encode(r)
}

func DecodeResponse(payload []byte) (Response, error) {
	var r Response
	if err := decode(payload, &r); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := r.Validate(); err != nil {
		return Response{}, err
	}
	return r, nil
}

// RequestQueue is the list a service's workers pop requests from.
func RequestQueue(service string) string {
	return fmt.Sprintf("%s:{%s}:requests", keyPrefix, service)
}

// ResponseChannel is the pub/sub channel one client listens on for replies.
func ResponseChannel(service, clientID string) string {
	return fmt.Sprintf("%s:{%s}:responses:%s", keyPrefix, service, clientID)
}

func encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return payload, nil
}

func decode(payload []byte, v any) error {
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	return json.Unmarshal(payload, v)
}
