package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rsteenberg/vossieparent/internal/cache"
)

// newTestClient stands up one server that plays both the token endpoint
// and the data endpoint, and a client pointed at it.
func newTestClient(t *testing.T, data http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tenant-1/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	})
	mux.Handle(apiPath, http.StripPrefix(apiPath, data))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := testCfg(srv.URL)
	tokens := NewTokenProvider(cfg, cache.NewMemory())
	tokens.authority = srv.URL
	return NewClient(cfg, tokens, cache.NewMemory()), srv
}

func TestFindContactsSendsODataRequest(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "contacts" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if r.Header.Get("OData-MaxVersion") != "4.0" || r.Header.Get("OData-Version") != "4.0" {
			t.Error("missing OData version headers")
		}
		if got := r.URL.Query().Get("$filter"); got != "emailaddress1 eq 'alice@example.com'" {
			t.Errorf("unexpected filter %q", got)
		}
		if got := r.URL.Query().Get("$select"); got != "contactid,firstname" {
			t.Errorf("unexpected select %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"value": []map[string]any{
			{"contactid": "C-1", "firstname": "Alice"},
		}})
	})

	rows, err := client.FindContacts(context.Background(),
		"emailaddress1 eq 'alice@example.com'", "contactid", "firstname")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["contactid"] != "C-1" {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestContactNotFoundIsAbsence(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Does Not Exist"}}`, http.StatusNotFound)
	})

	row, err := client.Contact(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("404 must not be an error, got %v", err)
	}
	if row != nil {
		t.Fatalf("expected nil row, got %v", row)
	}
}

func TestRequestErrorBodyTruncated(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(strings.Repeat("x", 2000)))
	})

	_, err := client.FindContacts(context.Background(), "")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected request error, got %v", err)
	}
	if reqErr.Status != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", reqErr.Status)
	}
	if len(reqErr.Body) != maxErrBody {
		t.Fatalf("body not truncated: %d bytes", len(reqErr.Body))
	}
}

func TestCollectionNameMemoized(t *testing.T) {
	var metadataHits int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "EntityDefinitions") {
			atomic.AddInt32(&metadataHits, 1)
			json.NewEncoder(w).Encode(map[string]any{"EntitySetName": "new_parentstudentlinks"})
			return
		}
		http.NotFound(w, r)
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		name, err := client.CollectionName(ctx, "new_parentstudentlink")
		if err != nil {
			t.Fatal(err)
		}
		if name != "new_parentstudentlinks" {
			t.Fatalf("unexpected collection name %q", name)
		}
	}
	if n := atomic.LoadInt32(&metadataHits); n != 1 {
		t.Fatalf("metadata lookup should be memoized, saw %d requests", n)
	}
}

func TestRunFetchNormalizesRows(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "EntityDefinitions") {
			json.NewEncoder(w).Encode(map[string]any{"EntitySetName": "contacts"})
			return
		}
		if r.URL.Query().Get("fetchXml") == "" {
			t.Error("expected fetchXml query parameter")
		}
		if !strings.Contains(r.Header.Get("Prefer"), "FormattedValue") {
			t.Error("expected annotation preference header")
		}
		row := map[string]any{
			"contactid":       "C-1",
			"statuscode":      float64(1),
			"parent.fullname": "Alice Example",
		}
		row["statuscode"+formattedValueAnnotation] = "Active"
		json.NewEncoder(w).Encode(map[string]any{"value": []any{row}})
	})

	fetch := &Fetch{Entity: Entity{Name: "contact", Attributes: Attrs("contactid", "statuscode")}}
	rows, err := client.RunFetch(context.Background(), "contact", fetch)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	row := rows[0]
	if row["statuscode__label"] != "Active" {
		t.Fatalf("formatted value not mapped to label key: %v", row)
	}
	if row["statuscode"] != float64(1) {
		t.Fatal("raw value must survive normalization")
	}
	if row["parent__fullname"] != "Alice Example" {
		t.Fatalf("dotted key not flattened: %v", row)
	}
}

func TestEscapeFilterValue(t *testing.T) {
	if got := EscapeFilterValue("o'brien@example.com"); got != "o''brien@example.com" {
		t.Fatalf("got %q", got)
	}
	if got := EscapeFilterValue("plain"); got != "plain" {
		t.Fatalf("got %q", got)
	}
}
