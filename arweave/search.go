package arweave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/telemetry"
)

// maxIDsPerQuery is the gateway's page limit for transactions(ids:).
const maxIDsPerQuery = 100

const transactionsQuery = `query($ids: [ID!], $first: Int) {
  transactions(ids: $ids, first: $first) {
    edges { node { id tags { name value } data { size type } } }
  }
}`

// Transaction is the tag metadata of one stored item.
type Transaction struct {
	ID          mintcache.ContentID `json:"id"`
	ContentType string              `json:"content_type"`
	Size        int64               `json:"size"`
	Tags        map[string]string   `json:"tags,omitempty"`
}

// Search queries the gateway's GraphQL endpoint.
type Search struct {
	endpoint string
	client   *http.Client
}

// SearchOption configures a Search.
type SearchOption func(*Search)

// WithSearchEndpoint sets the GraphQL endpoint.
func WithSearchEndpoint(url string) SearchOption {
	return func(s *Search) {
		s.endpoint = url
	}
}

// WithSearchHTTPClient sets a custom HTTP client.
func WithSearchHTTPClient(client *http.Client) SearchOption {
	return func(s *Search) {
		s.client = client
	}
}

// NewSearch creates a GraphQL search client against the default gateway.
func NewSearch(opts ...SearchOption) *Search {
	s := &Search{
		endpoint: DefaultGatewayURL + "/graphql",
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "search"),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlResponse struct {
	Data struct {
		Transactions struct {
			Edges []struct {
				Node struct {
					ID   string `json:"id"`
					Tags []struct {
						Name  string `json:"name"`
						Value string `json:"value"`
					} `json:"tags"`
					Data struct {
						Size string `json:"size"`
						Type string `json:"type"`
					} `json:"data"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"transactions"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Transactions returns tag metadata for ids. Ids the gateway does not know
// are absent from the result.
func (s *Search) Transactions(ctx context.Context, ids []mintcache.ContentID) (map[mintcache.ContentID]Transaction, error) {
	out := make(map[mintcache.ContentID]Transaction, len(ids))
	for start := 0; start < len(ids); start += maxIDsPerQuery {
		end := min(start+maxIDsPerQuery, len(ids))
		if err := s.query(ctx, ids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ContentTypes returns the declared Content-Type tag per id.
func (s *Search) ContentTypes(ctx context.Context, ids []mintcache.ContentID) (map[mintcache.ContentID]string, error) {
	txs, err := s.Transactions(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[mintcache.ContentID]string, len(txs))
	for id, tx := range txs {
		out[id] = tx.ContentType
	}
	return out, nil
}

func (s *Search) query(ctx context.Context, ids []mintcache.ContentID, out map[mintcache.ContentID]Transaction) error {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	body, err := json.Marshal(graphqlRequest{
		Query:     transactionsQuery,
		Variables: map[string]any{"ids": strIDs, "first": len(ids)},
	})
	if err != nil {
		return fmt.Errorf("encoding query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("search returned %d: %s", resp.StatusCode, string(msg))
	}

	var gr graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("search query failed: %s", strings.Join(msgs, "; "))
	}

	for _, edge := range gr.Data.Transactions.Edges {
		n := edge.Node
		tx := Transaction{
			ID:          mintcache.ContentID(n.ID),
			ContentType: n.Data.Type,
			Tags:        make(map[string]string, len(n.Tags)),
		}
		for _, t := range n.Tags {
			tx.Tags[t.Name] = t.Value
			if strings.EqualFold(t.Name, "Content-Type") {
				tx.ContentType = t.Value
			}
		}
		if size, err := strconv.ParseInt(n.Data.Size, 10, 64); err == nil {
			tx.Size = size
		}
		out[tx.ID] = tx
	}
	return nil
}
