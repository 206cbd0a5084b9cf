package supabase

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePostgREST is a minimal PostgREST server holding tables in memory.
// It understands eq filters, a single order column, and limit.
type fakePostgREST struct {
	mu     sync.Mutex
	tables map[string][]map[string]any
	nextID int

	// failStatus, when set, answers every request with failCode.
	failStatus int
	failCode   string
}

func newFakePostgREST(t *testing.T) (*fakePostgREST, *httptest.Server) {
	f := &fakePostgREST{tables: make(map[string][]map[string]any)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.failStatus)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": f.failCode, "message": "request failed"})
		return
	}

	table, ok := strings.CutPrefix(r.URL.Path, "/rest/v1/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	query := r.URL.Query()

	var out []map[string]any
	switch r.Method {
	case http.MethodGet:
		out = f.filter(table, query)
		out = sortRows(out, query.Get("order"))
		if limit := query.Get("limit"); limit != "" {
			n, _ := strconv.Atoi(limit)
			if n < len(out) {
				out = out[:n]
			}
		}

	case http.MethodPost:
		var row map[string]any
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, has := row["id"]; !has {
			f.nextID++
			row["id"] = float64(f.nextID)
		}
		f.tables[table] = append(f.tables[table], row)
		out = []map[string]any{row}

	case http.MethodPatch:
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out = f.filter(table, query)
		for _, row := range out {
			for k, v := range patch {
				row[k] = v
			}
		}

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if len(out) == 0 {
		out = []map[string]any{}
		w.Header().Set("Content-Range", "*/0")
	} else {
		w.Header().Set("Content-Range", fmt.Sprintf("0-%d/%d", len(out)-1, len(out)))
	}
	_ = json.NewEncoder(w).Encode(out)
}

// filter returns the rows matching every eq filter in query, in insertion order.
func (f *fakePostgREST) filter(table string, query map[string][]string) []map[string]any {
	var out []map[string]any
	for _, row := range f.tables[table] {
		match := true
		for col, vals := range query {
			switch col {
			case "select", "order", "limit", "offset", "columns":
				continue
			}
			for _, v := range vals {
				want, ok := strings.CutPrefix(v, "eq.")
				if !ok || fmt.Sprint(row[col]) != want {
					match = false
				}
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out
}

// sortRows applies an order parameter such as "created_at.desc.nullslast".
// Ties keep the later insertion first for descending order.
func sortRows(rows []map[string]any, order string) []map[string]any {
	if order == "" {
		return rows
	}
	spec := strings.Split(strings.Split(order, ",")[0], ".")
	col, desc := spec[0], len(spec) > 1 && spec[1] == "desc"

	if desc {
		rows = slices.Clone(rows)
		slices.Reverse(rows)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := compare(rows[i][col], rows[j][col])
		if desc {
			return c > 0
		}
		return c < 0
	})
	return rows
}

func compare(a, b any) int {
	if x, ok := a.(float64); ok {
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	at, aerr := time.Parse(time.RFC3339Nano, as)
	bt, berr := time.Parse(time.RFC3339Nano, bs)
	if aerr == nil && berr == nil {
		return at.Compare(bt)
	}
	return strings.Compare(as, bs)
}
