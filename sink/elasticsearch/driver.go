// Package elasticsearch ships batches with the bulk API into a data stream.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"logferry/internal/failure"
	"logferry/sink"
)

const DefaultDestination = "logs-aws.s3-default"

type Config struct {
	Addresses   []string      `koanf:"addresses"`
	Destination string        `koanf:"destination"`
	APIKey      string        `koanf:"api_key"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	Pipeline    string        `koanf:"pipeline"`
	Timeout     time.Duration `koanf:"timeout"`

	// Transport overrides the HTTP transport; used by tests.
	Transport http.RoundTripper `koanf:"-"`
}

// Validate checks addresses and credentials. An API key excludes basic auth.
func (c Config) Validate() error {
	if len(c.Addresses) == 0 {
		return errors.New("elasticsearch: at least one address is required")
	}
	if c.APIKey != "" && (c.Username != "" || c.Password != "") {
		return errors.New("elasticsearch: api_key and username/password are mutually exclusive")
	}
	if c.Password != "" && c.Username == "" {
		return errors.New("elasticsearch: password set without username")
	}
	return nil
}

type driver struct {
	cfg Config
	es  *elasticsearch.Client
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("elasticsearch-sink: expected Config, got %T", raw)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Destination == "" {
		c.Destination = DefaultDestination
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    c.Addresses,
		APIKey:       c.APIKey,
		Username:     c.Username,
		Password:     c.Password,
		Transport:    c.Transport,
		DisableRetry: true, // the batcher retries
	})
	if err != nil {
		return fmt.Errorf("elasticsearch-sink: %w", err)
	}
	d.cfg, d.es = c, es
	return nil
}

type bulkAction struct {
	Create struct {
		ID string `json:"_id"`
	} `json:"create"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (d *driver) body(b sink.Batch) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	var action bulkAction
	for _, r := range b.Records {
		action.Create.ID = sink.DocumentID(b.Object, r.Seq)
		if err := enc.Encode(action); err != nil {
			return nil, err
		}
		doc := r.Fields
		if _, ok := doc["@timestamp"]; !ok && !b.EventTime.IsZero() {
			doc = make(map[string]any, len(r.Fields)+1)
			for k, v := range r.Fields {
				doc[k] = v
			}
			doc["@timestamp"] = b.EventTime.UTC().Format(time.RFC3339Nano)
		}
		if err := enc.Encode(doc); err != nil {
			return nil, failure.Permanent(fmt.Errorf("encode record %d: %w", r.Seq, err))
		}
	}
	return buf, nil
}

func (d *driver) Write(ctx context.Context, b sink.Batch) error {
	if len(b.Records) == 0 {
		return nil
	}
	body, err := d.body(b)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	opts := []func(*esapi.BulkRequest){
		d.es.Bulk.WithContext(ctx),
		d.es.Bulk.WithIndex(d.cfg.Destination),
	}
	if d.cfg.Pipeline != "" {
		opts = append(opts, d.es.Bulk.WithPipeline(d.cfg.Pipeline))
	}
	res, err := d.es.Bulk(body, opts...)
	if err != nil {
		return failure.Transient(fmt.Errorf("bulk request: %w", err))
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("bulk request: %s: %s", res.Status(), strings.TrimSpace(string(msg)))
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return failure.Transient(err)
		}
		return failure.Permanent(err)
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return failure.Transient(fmt.Errorf("decode bulk response: %w", err))
	}
	if !br.Errors {
		return nil
	}
	return itemsError(br)
}

// itemsError folds per-item failures. Conflicts mean the document already
// exists and count as shipped.
func itemsError(br bulkResponse) error {
	var transient, permanent int
	var first string
	for _, item := range br.Items {
		for _, res := range item {
			switch {
			case res.Status < 300 || res.Status == http.StatusConflict:
				continue
			case res.Status == http.StatusTooManyRequests || res.Status >= 500:
				transient++
			default:
				permanent++
			}
			if first == "" {
				first = fmt.Sprintf("%s: %s (%d)", res.Error.Type, res.Error.Reason, res.Status)
			}
		}
	}
	switch {
	case permanent > 0:
		return failure.Permanent(fmt.Errorf("bulk rejected %d documents: %s", permanent, first))
	case transient > 0:
		return failure.Transient(fmt.Errorf("bulk failed for %d documents: %s", transient, first))
	default:
		return nil
	}
}

func (d *driver) Close() error { return nil }

func init() {
	sink.Register("elasticsearch", func() sink.Adapter { return &driver{} })
}
