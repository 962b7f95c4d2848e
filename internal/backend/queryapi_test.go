package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const testAPIToken = "test-api-token"

// queryAPIServer is an in-process query API backed by a SQLite file. Each
// request runs in one transaction, like the hosted service.
type queryAPIServer struct {
	*httptest.Server
	db       *sql.DB
	requests atomic.Int64

	mu sync.Mutex
	// conflict, when set, reports every conditional write as lost
	conflict bool
	// sizes records the statement count of each request
	sizes []int
}

func newQueryAPIServer(t *testing.T) *queryAPIServer {
	t.Helper()

	db, err := sql.Open("sqlite", sqliteDSN(filepath.Join(t.TempDir(), "api.db")))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	s := &queryAPIServer{db: db}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	return s
}

func (s *queryAPIServer) setConflict(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflict = v
}

func (s *queryAPIServer) requestSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.sizes...)
}

func (s *queryAPIServer) handle(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if r.URL.Path != "/query" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+testAPIToken {
		writeQueryResponse(w, http.StatusUnauthorized, QueryResponse{Errors: []QueryError{{Message: "unauthorized"}}})
		return
	}

	var req QueryRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeQueryResponse(w, http.StatusBadRequest, QueryResponse{Errors: []QueryError{{Message: err.Error()}}})
		return
	}

	s.mu.Lock()
	s.sizes = append(s.sizes, len(req.Statements))
	conflict := s.conflict
	s.mu.Unlock()

	results, err := s.run(r.Context(), req.Statements, conflict)
	if err != nil {
		writeQueryResponse(w, http.StatusBadRequest, QueryResponse{Errors: []QueryError{{Message: err.Error()}}})
		return
	}
	writeQueryResponse(w, http.StatusOK, QueryResponse{Success: true, Results: results})
}

func (s *queryAPIServer) run(ctx context.Context, stmts []Statement, conflict bool) ([]QueryResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	results := make([]QueryResult, 0, len(stmts))
	for _, st := range stmts {
		if conflict && isConditionalWrite(st.SQL) {
			results = append(results, QueryResult{Rows: []map[string]any{}})
			continue
		}

		params := make([]any, len(st.Params))
		for i, p := range st.Params {
			params[i] = fromJSON(p)
		}

		if returnsRows(st.SQL) {
			res, err := queryRows(ctx, tx, st.SQL, params)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
			continue
		}

		out, err := tx.ExecContext(ctx, st.SQL, params...)
		if err != nil {
			return nil, err
		}
		n, _ := out.RowsAffected()
		results = append(results, QueryResult{Rows: []map[string]any{}, Changes: n})
	}
	return results, tx.Commit()
}

func queryRows(ctx context.Context, tx *sql.Tx, stmt string, params []any) (QueryResult, error) {
	rows, err := tx.QueryContext(ctx, stmt, params...)
	if err != nil {
		return QueryResult{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return QueryResult{}, err
	}
	res := QueryResult{Rows: []map[string]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return QueryResult{}, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				vals[i] = string(b)
			}
			m[c] = vals[i]
		}
		res.Rows = append(res.Rows, m)
	}
	return res, rows.Err()
}

func returnsRows(stmt string) bool {
	s := strings.ToUpper(strings.TrimSpace(stmt))
	return strings.HasPrefix(s, "SELECT") || strings.Contains(s, "RETURNING")
}

func isConditionalWrite(stmt string) bool {
	s := strings.ToUpper(strings.TrimSpace(stmt))
	return strings.HasPrefix(s, "UPDATE") || strings.Contains(s, "DO NOTHING")
}

// fromJSON turns decoded JSON numbers into SQLite integers.
func fromJSON(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, _ := n.Float64()
	return f
}

func writeQueryResponse(w http.ResponseWriter, status int, resp QueryResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
