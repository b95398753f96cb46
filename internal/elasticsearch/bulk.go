package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/DeafMist/jawiki-indexer/internal/models"
)

// BulkFailure describes one rejected item of a bulk request.
type BulkFailure struct {
	Position int
	Document models.IndexedDocument
	Status   int
	Type     string
	Reason   string
}

// BulkResult summarises a bulk request.
type BulkResult struct {
	Indexed int
	Failed  []BulkFailure
}

type bulkAction struct {
	Index bulkMeta `json:"index"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id,omitempty"`
}

// EncodeBulk renders docs as an NDJSON body of index actions, in order.
func EncodeBulk(index string, docs []models.IndexedDocument) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, doc := range docs {
		if err := enc.Encode(bulkAction{Index: bulkMeta{Index: index, ID: doc.ID}}); err != nil {
			return nil, fmt.Errorf("encode action %d: %w", i, err)
		}
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode doc %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Bulk writes docs with a single _bulk request. Item-level rejections are
// reported in the result; transport and request-level failures are errors.
func (c *Client) Bulk(ctx context.Context, docs []models.IndexedDocument) (*BulkResult, error) {
	if len(docs) == 0 {
		return &BulkResult{}, nil
	}

	payload, err := EncodeBulk(c.index, docs)
	if err != nil {
		return nil, err
	}

	req := esapi.BulkRequest{
		Index:   c.index,
		Body:    bytes.NewReader(payload),
		Refresh: "false",
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("bulk: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("bulk failed: %s", strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	if len(parsed.Items) != len(docs) {
		return nil, fmt.Errorf("bulk response has %d items for %d documents", len(parsed.Items), len(docs))
	}

	result := &BulkResult{}
	for i, item := range parsed.Items {
		for _, op := range item {
			if op.Error == nil && op.Status < 300 {
				result.Indexed++
				continue
			}
			f := BulkFailure{Position: i, Document: docs[i], Status: op.Status}
			if op.Error != nil {
				f.Type = op.Error.Type
				f.Reason = op.Error.Reason
			}
			result.Failed = append(result.Failed, f)
		}
	}
	return result, nil
}
