package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/yungbote/ragbridge-backend/internal/pkg/ctxutil"
)

// Every REST reply wraps its payload in the same envelope; result only
// carries data when status reports ok.

const (
	replyCapBytes   = 10 << 10
	excerptCapBytes = 1 << 10
)

type envelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

// call performs one REST exchange and, when out is non-nil, decodes the
// envelope's result into it.
func (s *store) call(ctx context.Context, op, method, path string, payload, out any) error {
	result, err := s.exchange(ctx, op, method, path, payload)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 || string(result) == "null" {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return failOp(op, OperationErrorDecodeFailed, err, "decode qdrant result failed")
	}
	return nil
}

func (s *store) exchange(ctx context.Context, op, method, path string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, failOp(op, OperationErrorEncodeFailed, err, "encode request failed")
		}
		body = bytes.NewReader(raw)
	}

	req, err := s.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, failOp(op, OperationErrorTransportFailed, err, "build request failed")
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, wrapTransportErr(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, replyCapBytes))
	if err != nil {
		return nil, failOp(op, OperationErrorDecodeFailed, err, "read response failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, excerpt(reply)),
		}
	}

	var env envelope
	if err := json.Unmarshal(reply, &env); err != nil {
		return nil, failOp(op, OperationErrorDecodeFailed, err, "decode qdrant envelope failed")
	}
	if problem := statusProblem(env.Status); problem != "" {
		return nil, &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    problem,
		}
	}
	return env.Result, nil
}

func (s *store) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, s.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}
	return req, nil
}

// wrapTransportErr classifies timeouts separately from other transport
// failures.
func wrapTransportErr(op, msg string, err error) error {
	code := OperationErrorTransportFailed
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = OperationErrorTimeout
	}
	return failOp(op, code, err, "%s", msg)
}

// statusProblem reads the envelope status field: empty or "ok" means success,
// anything else is the failure text to surface.
func statusProblem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var status any
	if err := json.Unmarshal(raw, &status); err != nil {
		return "qdrant status=" + strings.TrimSpace(string(raw))
	}
	switch sv := status.(type) {
	case nil:
		return ""
	case string:
		if strings.EqualFold(sv, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", sv)
	case map[string]any:
		if msg, _ := sv["error"].(string); strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
	}
	return "qdrant status=" + strings.TrimSpace(string(raw))
}

func excerpt(raw []byte) string {
	if len(raw) <= excerptCapBytes {
		return string(raw)
	}
	return string(raw[:excerptCapBytes]) + "..."
}
