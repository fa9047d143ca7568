// Package dialect parses and executes the query language from spec.md §5:
// LOOKUP, SEARCH, FUZZY, TRAVERSE, and a restricted passthrough SQL verb,
// each backed by a method on internal/store.Store.
package dialect

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/pgvector/pgvector-go"

	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/pkg/log"
	"github.com/memorycore/p8/pkg/metrics"
)

// Querier is the subset of internal/store.Store the dialect executor needs.
// Declared here (not imported from store) so dialect never imports store's
// full surface and store never needs to know dialect exists.
type Querier interface {
	Lookup(ctx context.Context, tenantID, entityKey string) (*types.KVRow, error)
	Search(ctx context.Context, tenantID string, vector pgvector.Vector, table, field string, minSimilarity float64, limit int) ([]types.KVRow, error)
	Fuzzy(ctx context.Context, tenantID, query string, threshold float64, limit int) ([]types.KVRow, error)
	Traverse(ctx context.Context, tenantID, startKey string, maxDepth int) ([]types.KVRow, error)
	ExecReadOnlySQL(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// Embedder turns query text into a vector using the configured provider,
// the subset of internal/embeddings.Provider SEARCH needs to auto-embed.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// blockedKeywords are forbidden anywhere in a raw SQL verb, case
// insensitive — spec.md §5's mutation/DDL blocklist. Bare DELETE is
// blocked too; a WHERE-scoped delete must go through a store method.
var blockedKeywords = []string{
	"DROP", "TRUNCATE", "ALTER", "CREATE", "GRANT", "REVOKE",
	"DELETE", "INSERT", "UPDATE", "EXECUTE", "CALL",
}

// ErrBlockedKeyword is returned when a raw SQL verb contains a forbidden
// keyword.
type ErrBlockedKeyword struct{ Keyword string }

func (e ErrBlockedKeyword) Error() string {
	return fmt.Sprintf("dialect: keyword %q is not allowed in query verbs", e.Keyword)
}

// Result is the uniform shape every verb returns, letting callers (the
// chat tool surface, the CLI's "query" command) render any verb the same
// way.
type Result struct {
	Verb string           `json:"verb"`
	Rows []map[string]any `json:"rows"`
}

// Executor parses and runs dialect statements against a Querier.
type Executor struct {
	store    Querier
	embedder Embedder
}

// New builds an Executor over store, embedding SEARCH query text through
// embedder before running the cosine search.
func New(store Querier, embedder Embedder) *Executor {
	return &Executor{store: store, embedder: embedder}
}

// Run parses statement and executes it, returning a uniform Result. Quoted
// strings are shell-tokenized (spec.md §5) so a query like
// `SEARCH "database migration" FROM resources LIMIT 5` keeps its text
// together as one token. Statement shapes:
//
//	LOOKUP <key>
//	SEARCH <text> (FROM <table> | FIELD <f> | LIMIT <n> | MIN_SIMILARITY <r>)*
//	FUZZY <threshold> <limit> <text...>
//	TRAVERSE <key> <max_depth>
//	SQL <raw select...>
//
// LOOKUP reads only its first key; any further keys are ignored. FUZZY and
// TRAVERSE take positional arguments only, and TRAVERSE follows every edge
// whatever its relation.
func (e *Executor) Run(ctx context.Context, tenantID, statement string) (*Result, error) {
	fields, err := shellwords.Parse(statement)
	if err != nil {
		return nil, fmt.Errorf("dialect: tokenize statement: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("dialect: empty statement")
	}
	verb := strings.ToUpper(fields[0])
	args := fields[1:]

	defer metrics.DialectQueriesTotal.WithLabelValues(strings.ToLower(verb)).Inc()

	log.WithComponent("dialect").Debug().Str("verb", verb).Str("tenant_id", tenantID).Msg("executing query")

	switch verb {
	case "LOOKUP":
		return e.lookup(ctx, tenantID, args)
	case "SEARCH":
		return e.search(ctx, tenantID, args)
	case "FUZZY":
		return e.fuzzy(ctx, tenantID, args)
	case "TRAVERSE":
		return e.traverse(ctx, tenantID, args)
	case "SQL":
		return e.sql(ctx, strings.TrimSpace(strings.TrimPrefix(statement, fields[0])))
	default:
		return nil, fmt.Errorf("dialect: unknown verb %q", verb)
	}
}

func (e *Executor) lookup(ctx context.Context, tenantID string, args []string) (*Result, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("dialect: LOOKUP requires an entity_key")
	}
	row, err := e.store.Lookup(ctx, tenantID, args[0])
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &Result{Verb: "LOOKUP", Rows: nil}, nil
	}
	return &Result{Verb: "LOOKUP", Rows: []map[string]any{kvRowToMap(*row)}}, nil
}

// search implements "SEARCH <text> (FROM <table> | FIELD <f> | LIMIT <n> |
// MIN_SIMILARITY <r>)*" (spec.md §5): the query text auto-embeds through
// the configured provider, then the vector is matched against
// embeddings_<table> by cosine similarity. FROM is required since vectors
// live in a per-table embeddings_<table> relation, not a shared one.
func (e *Executor) search(ctx context.Context, tenantID string, args []string) (*Result, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("dialect: SEARCH requires query text")
	}
	query := args[0]

	var table, field string
	limit := 10
	minSimilarity := 0.3

	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		key := strings.ToUpper(rest[i])
		if i+1 >= len(rest) {
			return nil, fmt.Errorf("dialect: SEARCH option %q requires a value", rest[i])
		}
		value := rest[i+1]
		i++
		switch key {
		case "FROM":
			table = value
		case "FIELD":
			field = value
		case "LIMIT":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("dialect: SEARCH LIMIT must be an integer: %w", err)
			}
			limit = n
		case "MIN_SIMILARITY":
			r, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("dialect: SEARCH MIN_SIMILARITY must be a float: %w", err)
			}
			minSimilarity = r
		default:
			return nil, fmt.Errorf("dialect: SEARCH unknown option %q", rest[i-1])
		}
	}
	if table == "" {
		return nil, fmt.Errorf("dialect: SEARCH requires FROM <table>")
	}

	vectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("dialect: embed search query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("dialect: embed search query: no vector returned")
	}
	vector := pgvector.NewVector(vectors[0])

	rows, err := e.store.Search(ctx, tenantID, vector, table, field, minSimilarity, limit)
	if err != nil {
		return nil, err
	}
	return &Result{Verb: "SEARCH", Rows: kvRowsToMaps(rows)}, nil
}

func (e *Executor) fuzzy(ctx context.Context, tenantID string, args []string) (*Result, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("dialect: FUZZY requires threshold, limit, and query text")
	}
	threshold, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return nil, fmt.Errorf("dialect: FUZZY threshold must be a float: %w", err)
	}
	limit, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, fmt.Errorf("dialect: FUZZY limit must be an integer: %w", err)
	}
	query := strings.Join(args[2:], " ")

	rows, err := e.store.Fuzzy(ctx, tenantID, query, threshold, limit)
	if err != nil {
		return nil, err
	}
	return &Result{Verb: "FUZZY", Rows: kvRowsToMaps(rows)}, nil
}

func (e *Executor) traverse(ctx context.Context, tenantID string, args []string) (*Result, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("dialect: TRAVERSE requires start_key and max_depth")
	}
	maxDepth, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, fmt.Errorf("dialect: TRAVERSE max_depth must be an integer: %w", err)
	}
	rows, err := e.store.Traverse(ctx, tenantID, args[0], maxDepth)
	if err != nil {
		return nil, err
	}
	return &Result{Verb: "TRAVERSE", Rows: kvRowsToMaps(rows)}, nil
}

func (e *Executor) sql(ctx context.Context, query string) (*Result, error) {
	if err := checkBlocklist(query); err != nil {
		return nil, err
	}
	rows, err := e.store.ExecReadOnlySQL(ctx, query)
	if err != nil {
		return nil, err
	}
	return &Result{Verb: "SQL", Rows: rows}, nil
}

// checkBlocklist rejects any statement containing a forbidden keyword as
// a standalone word, case-insensitively.
func checkBlocklist(query string) error {
	upper := strings.ToUpper(query)
	for _, kw := range blockedKeywords {
		if containsWord(upper, kw) {
			return ErrBlockedKeyword{Keyword: kw}
		}
	}
	return nil
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		pos := strings.Index(haystack[idx:], word)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(word)
		beforeOK := start == 0 || !isIdentChar(haystack[start-1])
		afterOK := end == len(haystack) || !isIdentChar(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isIdentChar(b byte) bool {
	return b == '_' || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func kvRowToMap(row types.KVRow) map[string]any {
	return map[string]any{
		"tenant_id":       row.TenantID,
		"entity_key":      row.EntityKey,
		"entity_type":     row.EntityType,
		"entity_id":       row.EntityID,
		"content_summary": row.ContentSummary,
		"graph_edges":     row.GraphEdges,
		"metadata":        row.Metadata,
	}
}

func kvRowsToMaps(rows []types.KVRow) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = kvRowToMap(r)
	}
	return out
}
