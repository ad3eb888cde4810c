// Package httpstore 通过 HTTP 访问远端持仓表
package httpstore

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

	"golang.org/x/time/rate"

	"posledger/internal/application/port"
	"posledger/internal/domain/errs"
	"posledger/internal/domain/model"
)

// Client 实现 port.PositionStore；所有错误都是 errs 分类错误
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New rps<=0 表示不限速
func New(baseURL string, timeout time.Duration, rps float64) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

func (c *Client) FetchPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	var out []model.Position
	err := c.do(ctx, "fetch positions", http.MethodGet, "/portfolios/"+url.PathEscape(portfolioID)+"/positions", nil, &out)
	if out == nil {
		out = []model.Position{}
	}
	return out, err
}

func (c *Client) CreatePosition(ctx context.Context, in model.PositionInput) (model.Position, error) {
	var out model.Position
	err := c.do(ctx, "create position", http.MethodPost, "/positions", in, &out)
	return out, err
}

func (c *Client) UpdatePosition(ctx context.Context, id string, patch model.PositionPatch) (model.Position, error) {
	var out model.Position
	err := c.do(ctx, "update position", http.MethodPatch, "/positions/"+url.PathEscape(id), patch, &out)
	return out, err
}

func (c *Client) DeletePosition(ctx context.Context, id string) error {
	return c.do(ctx, "delete position", http.MethodDelete, "/positions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) FetchTransactions(ctx context.Context, positionID string) ([]model.Transaction, error) {
	var out []model.Transaction
	err := c.do(ctx, "fetch transactions", http.MethodGet, "/positions/"+url.PathEscape(positionID)+"/transactions", nil, &out)
	if out == nil {
		out = []model.Transaction{}
	}
	return out, err
}

type errorBody struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// 剩余时间不足以等到令牌
		return errs.Wrap(errs.KindNetworkFailure, op, err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errs.Wrap(errs.KindValidation, op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errs.Wrap(errs.KindValidation, op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 调用方主动取消不算网络故障
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Wrap(errs.KindNetworkFailure, op, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.KindNetworkFailure, op, err)
	}

	if resp.StatusCode >= 400 {
		var eb errorBody
		_ = json.Unmarshal(b, &eb)
		msg := eb.Message
		if msg == "" {
			msg = fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}
		e := errs.FromStatus(resp.StatusCode, eb.Kind, msg)
		e.Op = op
		return e
	}

	if out == nil || len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return &errs.Error{Kind: errs.KindServerFailure, Op: op, Msg: "malformed response", Status: resp.StatusCode, Err: err}
	}
	return nil
}

var _ port.PositionStore = (*Client)(nil)
