package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON posts body as JSON to url using the default client and decodes the
// response into out.
func PostJSON(ctx context.Context, url string, headers map[string]string, body any, out any) error {
	return PostJSONWith(ctx, httpClient, url, headers, body, out)
}

// PostJSONWith is PostJSON with an explicit client. Non-2xx responses
// carrying an {"kind","message"} body are returned as *Error so the kind
// survives the hop.
func PostJSONWith(ctx context.Context, client *http.Client, url string, headers map[string]string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(client, req, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(httpClient, req, out)
}

func do(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportError(req.URL.String(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(req.URL.String(), resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(url string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e Error
	if err := json.Unmarshal(raw, &e); err == nil && e.Msg != "" {
		return &e
	}
	kind := KindUnknown
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		kind = KindTooManyRequests
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		kind = KindConnect
	case http.StatusGatewayTimeout:
		kind = KindTimeout
	}
	return Errorf(kind, "http %s: %d", url, resp.StatusCode)
}

func classifyTransportError(url string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WrapKind(KindTimeout, err, "request to %s timed out", url)
	}
	return WrapKind(KindConnect, err, "request to %s failed", url)
}

// WriteError writes err as a JSON error body with a status derived from its
// kind.
func WriteError(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindUnknown, Msg: err.Error()}
	} else if e.Err != nil {
		e = &Error{Kind: e.Kind, Msg: fmt.Sprintf("%s: %v", e.Msg, e.Err)}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(e.Kind))
	_ = json.NewEncoder(w).Encode(e)
}

// StatusFor maps a kind to the HTTP status used on the wire.
func StatusFor(kind Kind) int {
	switch kind {
	case KindInvalidArgument, KindInvalidRetainingSeqNo:
		return http.StatusBadRequest
	case KindSecurity:
		return http.StatusForbidden
	case KindIndexNotFound, KindShardNotFound, KindRetentionLeaseNotFound, KindNoSuchRemoteCluster:
		return http.StatusNotFound
	case KindRetentionLeaseAlreadyExists, KindHistoryMismatch:
		return http.StatusConflict
	case KindTooManyRequests, KindRejectedExecution:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindIndexClosed, KindAlreadyClosed, KindConnect:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
