// Package gateway talks to the streaming gateway's HTTP signaling endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
)

const maxBody = 1 << 20

var errUnexpectedStatus = errors.New("unexpected status")

// Client implements core.Gateway over HTTP.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) FetchCodecs(ctx context.Context, id domain.StreamID) ([]domain.CodecDescriptor, error) {
	const op = "fetch codecs"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("codec", id), nil)
	if err != nil {
		return nil, &core.NetworkError{Op: op, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &core.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &core.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &core.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: errUnexpectedStatus}
	}

	var codecs []domain.CodecDescriptor
	if err := json.Unmarshal(body, &codecs); err != nil {
		return nil, &core.ProtocolError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("malformed codec list: %v", err)}
	}
	log.Debug().Str("module", "gateway").Str("stream", string(id)).Int("codecs", len(codecs)).Msg("codecs fetched")
	return codecs, nil
}

func (c *Client) PostOffer(ctx context.Context, id domain.StreamID, encodedOffer string) (string, error) {
	const op = "post offer"
	form := url.Values{}
	form.Set("suuid", string(id))
	form.Set("data", encodedOffer)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("receiver", id), strings.NewReader(form.Encode()))
	if err != nil {
		return "", &core.NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &core.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", &core.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &core.ProtocolError{StatusCode: resp.StatusCode, Reason: strings.TrimSpace(string(body))}
	}
	return string(body), nil
}

func (c *Client) endpoint(kind string, id domain.StreamID) string {
	return c.base + "/stream/" + kind + "/" + url.PathEscape(string(id))
}
