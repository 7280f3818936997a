package overdrive

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testCollection = "v1L1BDAAAAA2R"

func product(id, title, author string) map[string]any {
	return map[string]any{
		"id":             id,
		"title":          title,
		"primaryCreator": map[string]any{"name": author, "role": "Author"},
		"images":         map[string]any{"thumbnail": map[string]any{"href": "https://img.example/" + id + ".jpg"}},
		"contentDetails": []map[string]any{{"href": "https://lapl.overdrive.com/media/" + id}},
	}
}

// fakeLibrary is an in-memory OverDrive collection served over httptest.
type fakeLibrary struct {
	mu           sync.Mutex
	searches     map[string][]map[string]any
	rateLimited  map[string]int
	metadata     map[string][]string
	stock        map[string]Availability
	failStockFor string
	unauthorized bool

	searchCalls   map[string]int
	metadataCalls []string
	stockCalls    [][]string
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{
		searches:    map[string][]map[string]any{},
		rateLimited: map[string]int{},
		metadata:    map[string][]string{},
		stock:       map[string]Availability{},
		searchCalls: map[string]int{},
	}
}

func (f *fakeLibrary) serve(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/libraries/1047", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": 1047, "name": "Los Angeles Public Library", "collectionToken": testCollection})
	})
	mux.HandleFunc("/v1/collections/"+testCollection+"/products", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		assert.NotEmpty(t, r.URL.Query().Get("limit"))

		f.mu.Lock()
		f.searchCalls[q]++
		calls := f.searchCalls[q]
		limited := calls <= f.rateLimited[q]
		products := f.searches[q]
		f.mu.Unlock()

		if limited {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if products == nil {
			products = []map[string]any{}
		}
		writeJSON(w, map[string]any{"totalItems": len(products), "products": products})
	})
	mux.HandleFunc("/v1/collections/"+testCollection+"/products/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/collections/"+testCollection+"/products/"), "/metadata")

		f.mu.Lock()
		f.metadataCalls = append(f.metadataCalls, id)
		isbns := f.metadata[id]
		f.mu.Unlock()

		identifiers := []map[string]string{{"type": "ASIN", "value": "B000FC1MCS"}}
		for _, code := range isbns {
			identifiers = append(identifiers, map[string]string{"type": "ISBN", "value": code})
		}
		writeJSON(w, map[string]any{"id": id, "formats": []map[string]any{{"id": "ebook-epub-adobe", "identifiers": identifiers}}})
	})
	mux.HandleFunc("/v2/collections/"+testCollection+"/availability", func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(r.URL.Query().Get("products"), ",")

		f.mu.Lock()
		f.stockCalls = append(f.stockCalls, ids)
		fail := f.failStockFor
		var out []Availability
		for _, id := range ids {
			if a, ok := f.stock[id]; ok {
				a.ProductID = strings.ToUpper(id)
				out = append(out, a)
			}
		}
		f.mu.Unlock()

		for _, id := range ids {
			if id == fail {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte("upstream timeout"))
				return
			}
		}
		writeJSON(w, map[string]any{"availability": out})
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		f.mu.Lock()
		unauthorized := f.unauthorized
		f.mu.Unlock()
		if unauthorized {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errorCode":"Unauthorized"}`))
			return
		}
		mux.ServeHTTP(w, r)
	})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func (f *fakeLibrary) searchCount(q string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchCalls[q]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
