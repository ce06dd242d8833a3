package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"otp-auth/internal/config"
	"otp-auth/internal/util"
)

type ESClient struct {
	Client *elasticsearch.Client
	config config.ElasticsearchConfig
}

// BulkDoc is one document for Bulk. ID makes the write idempotent on retry.
type BulkDoc struct {
	ID   string
	Body interface{}
}

// NewElasticsearchClient connects and verifies the cluster. insecure skips
// certificate verification and is meant for development clusters.
func NewElasticsearchClient(cfg config.ElasticsearchConfig, insecure bool, transport http.RoundTripper) (*ESClient, error) {
	if transport == nil {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
		}
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	esClient := &ESClient{Client: client, config: cfg}
	if err := esClient.HealthCheck(context.Background()); err != nil {
		return nil, fmt.Errorf("elasticsearch connection test failed: %w", err)
	}

	util.Info("Elasticsearch client initialized", zap.String("url", cfg.URL))
	return esClient, nil
}

func (e *ESClient) Close() {
	util.Info("Elasticsearch client shutdown")
}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	res, err := e.Client.Info(e.Client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to get cluster info: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// Bulk indexes docs into index in one request. Any per-item failure fails
// the call so the caller can retry the whole batch.
func (e *ESClient) Bulk(ctx context.Context, index string, docs []BulkDoc) error {
	var buf bytes.Buffer
	for _, d := range docs {
		meta := map[string]map[string]string{"index": {"_index": index, "_id": d.ID}}
		if err := json.NewEncoder(&buf).Encode(meta); err != nil {
			return fmt.Errorf("error encoding bulk meta: %w", err)
		}
		if err := json.NewEncoder(&buf).Encode(d.Body); err != nil {
			return fmt.Errorf("error encoding document: %w", err)
		}
	}

	req := esapi.BulkRequest{Body: &buf}
	res, err := req.Do(ctx, e.Client)
	if err != nil {
		return fmt.Errorf("error executing bulk: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch bulk error: %s", res.Status())
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("error parsing bulk response: %w", err)
	}
	if br.Errors {
		var reasons []string
		for _, item := range br.Items {
			for _, r := range item {
				if r.Status >= 300 {
					reasons = append(reasons, r.Error.Type)
				}
			}
		}
		return fmt.Errorf("elasticsearch bulk item failures: %s", strings.Join(reasons, ","))
	}
	return nil
}
