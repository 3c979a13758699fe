// Package elastic implements search.Client on top of the official
// Elasticsearch Go client.
package elastic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"searchsync/internal/logging"
	"searchsync/internal/search"
)

// Config holds connection settings.
type Config struct {
	Addresses []string
	Username  string
	Password  string //nolint:gosec // config field, not a hardcoded credential
	APIKey    string
	CACert    []byte

	// CompressRequestBody gzips request bodies; useful for large bulk batches.
	CompressRequestBody bool
	// MaxRetries is the transport-level retry count for connection failures.
	// Zero disables transport retries.
	MaxRetries int

	// TLS, if set, configures the default transport's client side of the
	// handshake. Ignored when Transport is set.
	TLS *tls.Config

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Client is a search.Client backed by Elasticsearch.
type Client struct {
	es     *elasticsearch.Client
	logger *slog.Logger
}

var _ search.Client = (*Client)(nil)

// New creates a client. No request is made until the first call.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil && cfg.TLS != nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = cfg.TLS
		cfg.Transport = t
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:           cfg.Addresses,
		Username:            cfg.Username,
		Password:            cfg.Password,
		APIKey:              cfg.APIKey,
		CACert:              cfg.CACert,
		CompressRequestBody: cfg.CompressRequestBody,
		MaxRetries:          cfg.MaxRetries,
		DisableRetry:        cfg.MaxRetries == 0,
		Transport:           cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("elastic: create client: %w", err)
	}
	return &Client{
		es:     es,
		logger: logging.Default(cfg.Logger).With("component", "elastic"),
	}, nil
}

func (c *Client) Exists(ctx context.Context, index string) (bool, error) {
	res, err := c.es.Indices.Exists([]string{index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, transportError("index exists "+index, err)
	}
	defer closeBody(res)
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, responseError("index exists "+index, res)
	}
}

func (c *Client) Create(ctx context.Context, index string, body search.IndexBody) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("create index %s: encode body: %w", index, err)
	}
	res, err := c.es.Indices.Create(index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(bytes.NewReader(b)),
	)
	if err != nil {
		return transportError("create index "+index, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return responseError("create index "+index, res)
	}
	c.logger.Info("index created", "index", index)
	return nil
}

func (c *Client) Delete(ctx context.Context, index string) error {
	res, err := c.es.Indices.Delete([]string{index}, c.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		return transportError("delete index "+index, err)
	}
	defer closeBody(res)
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return responseError("delete index "+index, res)
	}
	c.logger.Info("index deleted", "index", index)
	return nil
}

// aliasResponse is the GET _alias body: index name -> aliases.
type aliasResponse map[string]struct {
	Aliases map[string]json.RawMessage `json:"aliases"`
}

func (c *Client) IndicesForAlias(ctx context.Context, alias string) (search.Set, error) {
	res, err := c.es.Indices.GetAlias(
		c.es.Indices.GetAlias.WithContext(ctx),
		c.es.Indices.GetAlias.WithName(alias),
	)
	if err != nil {
		return nil, transportError("get alias "+alias, err)
	}
	defer closeBody(res)
	if res.StatusCode == http.StatusNotFound {
		return search.NewSet(), nil
	}
	if res.IsError() {
		return nil, responseError("get alias "+alias, res)
	}
	var body aliasResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("get alias %s: decode: %w: %w", alias, search.ErrTransport, err)
	}
	out := make(search.Set, len(body))
	for index := range body {
		out[index] = struct{}{}
	}
	return out, nil
}

func (c *Client) AliasesForIndex(ctx context.Context, index string) (search.Set, error) {
	res, err := c.es.Indices.GetAlias(
		c.es.Indices.GetAlias.WithContext(ctx),
		c.es.Indices.GetAlias.WithIndex(index),
	)
	if err != nil {
		return nil, transportError("get aliases of "+index, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return nil, responseError("get aliases of "+index, res)
	}
	var body aliasResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("get aliases of %s: decode: %w: %w", index, search.ErrTransport, err)
	}
	out := make(search.Set)
	for alias := range body[index].Aliases {
		out[alias] = struct{}{}
	}
	return out, nil
}

func (c *Client) AliasExists(ctx context.Context, alias string) (bool, error) {
	res, err := c.es.Indices.ExistsAlias([]string{alias}, c.es.Indices.ExistsAlias.WithContext(ctx))
	if err != nil {
		return false, transportError("alias exists "+alias, err)
	}
	defer closeBody(res)
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, responseError("alias exists "+alias, res)
	}
}

type aliasActionBody struct {
	Alias   string   `json:"alias"`
	Indices []string `json:"indices"`
}

func (c *Client) UpdateAliases(ctx context.Context, actions []search.AliasAction) error {
	if len(actions) == 0 {
		return nil
	}
	body := struct {
		Actions []map[search.AliasOp]aliasActionBody `json:"actions"`
	}{}
	for _, a := range actions {
		body.Actions = append(body.Actions, map[search.AliasOp]aliasActionBody{
			a.Op: {Alias: a.Alias, Indices: a.Indices},
		})
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("update aliases: encode: %w", err)
	}
	res, err := c.es.Indices.UpdateAliases(bytes.NewReader(b), c.es.Indices.UpdateAliases.WithContext(ctx))
	if err != nil {
		return transportError("update aliases", err)
	}
	defer closeBody(res)
	if res.IsError() {
		return responseError("update aliases", res)
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string     `json:"_id"`
		Status int        `json:"status"`
		Error  *errorBody `json:"error"`
	} `json:"items"`
}

func (c *Client) Bulk(ctx context.Context, target string, docs []search.Document, timeout time.Duration) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		meta := map[string]map[string]string{"index": {"_id": d.ID}}
		if err := enc.Encode(meta); err != nil {
			return &search.BulkError{Target: target, Total: len(docs), Cause: err}
		}
		source := d.Source
		if source == nil {
			source = map[string]any{}
		}
		if err := enc.Encode(source); err != nil {
			return &search.BulkError{Target: target, Total: len(docs), Cause: fmt.Errorf("encode %s: %w", d.ID, err)}
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	opts := []func(*esapi.BulkRequest){
		c.es.Bulk.WithContext(ctx),
		c.es.Bulk.WithIndex(target),
	}
	if timeout > 0 {
		opts = append(opts, c.es.Bulk.WithTimeout(timeout))
	}
	res, err := c.es.Bulk(bytes.NewReader(buf.Bytes()), opts...)
	if err != nil {
		return &search.BulkError{Target: target, Total: len(docs), Cause: transportError("bulk", err)}
	}
	defer closeBody(res)
	if res.IsError() {
		return &search.BulkError{Target: target, Total: len(docs), Cause: responseError("bulk", res)}
	}

	var body bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return &search.BulkError{Target: target, Total: len(docs), Cause: fmt.Errorf("decode: %w: %w", search.ErrTransport, err)}
	}
	if !body.Errors {
		return nil
	}
	be := &search.BulkError{Target: target, Total: len(docs)}
	for _, item := range body.Items {
		for _, r := range item {
			if r.Error == nil && r.Status < 300 {
				continue
			}
			ie := search.ItemError{ID: r.ID, Status: r.Status}
			if r.Error != nil {
				ie.Type, ie.Reason = r.Error.Type, r.Error.Reason
			}
			be.Items = append(be.Items, ie)
		}
	}
	return be
}

type reindexResponse struct {
	TimedOut bool              `json:"timed_out"`
	Total    int64             `json:"total"`
	Failures []json.RawMessage `json:"failures"`
}

func (c *Client) Reindex(ctx context.Context, source, dest string, timeout time.Duration) error {
	body := map[string]any{
		"source": map[string]string{"index": source},
		"dest":   map[string]string{"index": dest},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("reindex: encode: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	opts := []func(*esapi.ReindexRequest){
		c.es.Reindex.WithContext(ctx),
		c.es.Reindex.WithWaitForCompletion(true),
		c.es.Reindex.WithRefresh(true),
	}
	if timeout > 0 {
		opts = append(opts, c.es.Reindex.WithTimeout(timeout))
	}

	start := time.Now()
	res, err := c.es.Reindex(bytes.NewReader(b), opts...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("reindex %s -> %s: %w", source, dest, search.ErrReindexTimeout)
		}
		return transportError("reindex", err)
	}
	defer closeBody(res)
	if res.IsError() {
		return responseError("reindex", res)
	}
	var rr reindexResponse
	if err := json.NewDecoder(res.Body).Decode(&rr); err != nil {
		return fmt.Errorf("reindex: decode: %w: %w", search.ErrTransport, err)
	}
	if rr.TimedOut {
		return fmt.Errorf("reindex %s -> %s: %w", source, dest, search.ErrReindexTimeout)
	}
	if len(rr.Failures) > 0 {
		return fmt.Errorf("reindex %s -> %s: %d failures: %w", source, dest, len(rr.Failures), search.ErrTransport)
	}
	c.logger.Info("reindex complete",
		"source", source, "dest", dest, "docs", rr.Total, "duration", time.Since(start))
	return nil
}

// errorBody is the "error" object of an Elasticsearch error response.
type errorBody struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func responseError(op string, res *esapi.Response) error {
	raw, _ := io.ReadAll(res.Body)
	var body struct {
		Error  json.RawMessage `json:"error"`
		Status int             `json:"status"`
	}
	var eb errorBody
	if json.Unmarshal(raw, &body) == nil && len(body.Error) > 0 {
		if json.Unmarshal(body.Error, &eb) != nil {
			// Some endpoints return "error" as a plain string.
			_ = json.Unmarshal(body.Error, &eb.Reason)
		}
	}

	switch {
	case eb.Type == "resource_already_exists_exception":
		return fmt.Errorf("%s: %w", op, search.ErrIndexAlreadyExists)
	case eb.Type == "index_not_found_exception":
		return fmt.Errorf("%s: %w", op, search.ErrIndexNotFound)
	case eb.Type == "aliases_not_found_exception":
		return fmt.Errorf("%s: %w", op, search.ErrAliasNotFound)
	case res.StatusCode == http.StatusRequestTimeout || res.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%s: [%d]: %w", op, res.StatusCode, search.ErrTimeout)
	}
	if eb.Type != "" || eb.Reason != "" {
		return fmt.Errorf("%s: [%d] %s: %s: %w", op, res.StatusCode, eb.Type, eb.Reason, search.ErrTransport)
	}
	return fmt.Errorf("%s: [%d] %s: %w", op, res.StatusCode, bytes.TrimSpace(raw), search.ErrTransport)
}

func transportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, search.ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, search.ErrTransport, err)
}

func closeBody(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}
