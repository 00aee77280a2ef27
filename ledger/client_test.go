package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/mintcache"
)

// rpcServer answers JSON-RPC calls from a method -> result table and records
// the decoded requests.
func rpcServer(t *testing.T, results map[string]any, seen *[]map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if seen != nil {
			*seen = append(*seen, req)
		}
		method := req["method"].(string)
		result, ok := results[method]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req["id"],
				"error": map[string]any{"code": -32601, "message": "method not found"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": result})
	}))
}

func TestClientTotalSupply(t *testing.T) {
	var seen []map[string]any
	srv := rpcServer(t, map[string]any{"total_supply": 1234}, &seen)
	defer srv.Close()

	c := NewClient(srv.URL, WithBearerToken("secret"))
	n, err := c.TotalSupply(context.Background(), mintcache.Derived)
	require.NoError(t, err)
	require.Equal(t, uint64(1234), n)

	require.Len(t, seen, 1)
	params := seen[0]["params"].(map[string]any)
	require.Equal(t, "derived", params["collection"])
}

func TestClientTokensOfSendsCursor(t *testing.T) {
	var seen []map[string]any
	srv := rpcServer(t, map[string]any{"tokens_of": []string{"11", "12", "13"}}, &seen)
	defer srv.Close()

	c := NewClient(srv.URL)
	cursor := mintcache.NewTokenID(10)
	ids, err := c.TokensOf(context.Background(), mintcache.Primary, "owner-1", &cursor, 3)
	require.NoError(t, err)
	require.Equal(t, []mintcache.TokenID{mintcache.NewTokenID(11), mintcache.NewTokenID(12), mintcache.NewTokenID(13)}, ids)

	params := seen[0]["params"].(map[string]any)
	require.Equal(t, "10", params["cursor"])
	require.Equal(t, "owner-1", params["principal"])
	require.EqualValues(t, 3, params["limit"])
}

func TestClientOwnerOfKeepsGaps(t *testing.T) {
	srv := rpcServer(t, map[string]any{"owner_of": []any{map[string]any{"owner": "a"}, nil}}, nil)
	defer srv.Close()

	c := NewClient(srv.URL)
	owners, err := c.OwnerOf(context.Background(), mintcache.Primary, []mintcache.TokenID{mintcache.NewTokenID(1), mintcache.NewTokenID(2)})
	require.NoError(t, err)
	require.Len(t, owners, 2)
	require.Equal(t, mintcache.Principal("a"), owners[0].Owner)
	require.Nil(t, owners[1])
}

func TestClientRPCError(t *testing.T) {
	srv := rpcServer(t, map[string]any{}, nil)
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.BalanceOf(context.Background(), mintcache.Primary, "p")
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32601, rpcErr.Code)
}

func TestClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "canister unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.TotalSupply(context.Background(), mintcache.Primary)
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestClientAuthorizationHeader(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ICP":5}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithBearerToken("tok"))
	b, err := c.Balances(context.Background(), mintcache.Subaccount(mintcache.Primary, mintcache.NewTokenID(1)))
	require.NoError(t, err)
	require.Equal(t, uint64(5), b["ICP"])
	require.Equal(t, "Bearer tok", auth)
}
