package dialect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgvector/pgvector-go"

	"github.com/memorycore/p8/internal/types"
)

type fakeQuerier struct {
	lookupRow *types.KVRow
	lookupErr error

	searchRows []types.KVRow
	searchErr  error

	lastSearchTable string
	lastSearchField string
	lastSearchMin   float64
	lastSearchLimit int

	fuzzyRows []types.KVRow
	fuzzyErr  error

	traverseRows []types.KVRow
	traverseErr  error

	sqlRows []map[string]any
	sqlErr  error

	lastQuery string
}

func (f *fakeQuerier) Lookup(ctx context.Context, tenantID, entityKey string) (*types.KVRow, error) {
	return f.lookupRow, f.lookupErr
}

func (f *fakeQuerier) Search(ctx context.Context, tenantID string, vector pgvector.Vector, table, field string, minSimilarity float64, limit int) ([]types.KVRow, error) {
	f.lastSearchTable = table
	f.lastSearchField = field
	f.lastSearchMin = minSimilarity
	f.lastSearchLimit = limit
	return f.searchRows, f.searchErr
}

func (f *fakeQuerier) Fuzzy(ctx context.Context, tenantID, query string, threshold float64, limit int) ([]types.KVRow, error) {
	return f.fuzzyRows, f.fuzzyErr
}

func (f *fakeQuerier) Traverse(ctx context.Context, tenantID, startKey string, maxDepth int) ([]types.KVRow, error) {
	return f.traverseRows, f.traverseErr
}

func (f *fakeQuerier) ExecReadOnlySQL(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	f.lastQuery = query
	return f.sqlRows, f.sqlErr
}

// fakeEmbedder returns a fixed-size zero vector per input text, good
// enough to exercise the SEARCH verb's plumbing without a real provider.
type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func TestRunLookupFound(t *testing.T) {
	fq := &fakeQuerier{lookupRow: &types.KVRow{EntityKey: "moments:1", EntityType: "moments", EntityID: "1"}}
	exec := New(fq, &fakeEmbedder{})

	result, err := exec.Run(context.Background(), "tenant-1", "LOOKUP moments:1")
	require.NoError(t, err)
	assert.Equal(t, "LOOKUP", result.Verb)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "moments:1", result.Rows[0]["entity_key"])
}

func TestRunLookupNotFound(t *testing.T) {
	fq := &fakeQuerier{lookupRow: nil}
	exec := New(fq, &fakeEmbedder{})

	result, err := exec.Run(context.Background(), "tenant-1", "LOOKUP moments:missing")
	require.NoError(t, err)
	assert.Nil(t, result.Rows)
}

func TestRunLookupRequiresArg(t *testing.T) {
	exec := New(&fakeQuerier{}, &fakeEmbedder{})
	_, err := exec.Run(context.Background(), "tenant-1", "LOOKUP")
	assert.Error(t, err)
}

func TestRunSearch(t *testing.T) {
	fq := &fakeQuerier{searchRows: []types.KVRow{{EntityKey: "sessions:1"}}}
	exec := New(fq, &fakeEmbedder{})

	result, err := exec.Run(context.Background(), "tenant-1", `SEARCH "database migration" FROM resources LIMIT 5 MIN_SIMILARITY 0.6`)
	require.NoError(t, err)
	assert.Equal(t, "SEARCH", result.Verb)
	assert.Len(t, result.Rows, 1)
	assert.Equal(t, "resources", fq.lastSearchTable)
	assert.Equal(t, 5, fq.lastSearchLimit)
	assert.Equal(t, 0.6, fq.lastSearchMin)
}

func TestRunSearchDefaultsLimitAndMinSimilarity(t *testing.T) {
	fq := &fakeQuerier{}
	exec := New(fq, &fakeEmbedder{})

	_, err := exec.Run(context.Background(), "tenant-1", "SEARCH anything FROM resources")
	require.NoError(t, err)
	assert.Equal(t, 10, fq.lastSearchLimit)
	assert.Equal(t, 0.3, fq.lastSearchMin)
}

func TestRunSearchFieldOption(t *testing.T) {
	fq := &fakeQuerier{}
	exec := New(fq, &fakeEmbedder{})

	_, err := exec.Run(context.Background(), "tenant-1", "SEARCH anything FROM schemas FIELD description")
	require.NoError(t, err)
	assert.Equal(t, "description", fq.lastSearchField)
}

func TestRunSearchRequiresFrom(t *testing.T) {
	exec := New(&fakeQuerier{}, &fakeEmbedder{})
	_, err := exec.Run(context.Background(), "tenant-1", "SEARCH anything LIMIT 5")
	assert.Error(t, err)
}

func TestRunSearchBadLimit(t *testing.T) {
	exec := New(&fakeQuerier{}, &fakeEmbedder{})
	_, err := exec.Run(context.Background(), "tenant-1", "SEARCH anything FROM resources LIMIT notanumber")
	assert.Error(t, err)
}

func TestRunSearchEmbedderError(t *testing.T) {
	exec := New(&fakeQuerier{}, &fakeEmbedder{err: errors.New("provider down")})
	_, err := exec.Run(context.Background(), "tenant-1", "SEARCH anything FROM resources")
	assert.Error(t, err)
}

func TestRunFuzzy(t *testing.T) {
	fq := &fakeQuerier{fuzzyRows: []types.KVRow{{EntityKey: "files:1"}}}
	exec := New(fq, &fakeEmbedder{})

	result, err := exec.Run(context.Background(), "tenant-1", "FUZZY 0.8 5 quarterly report")
	require.NoError(t, err)
	assert.Equal(t, "FUZZY", result.Verb)
	assert.Len(t, result.Rows, 1)
}

func TestRunFuzzyBadThreshold(t *testing.T) {
	exec := New(&fakeQuerier{}, &fakeEmbedder{})
	_, err := exec.Run(context.Background(), "tenant-1", "FUZZY notafloat 5 query")
	assert.Error(t, err)
}

func TestRunTraverse(t *testing.T) {
	fq := &fakeQuerier{traverseRows: []types.KVRow{{EntityKey: "moments:1"}, {EntityKey: "sessions:1"}}}
	exec := New(fq, &fakeEmbedder{})

	result, err := exec.Run(context.Background(), "tenant-1", "TRAVERSE moments:1 2")
	require.NoError(t, err)
	assert.Equal(t, "TRAVERSE", result.Verb)
	assert.Len(t, result.Rows, 2)
}

func TestRunSQLAllowsSelect(t *testing.T) {
	fq := &fakeQuerier{sqlRows: []map[string]any{{"count": 3}}}
	exec := New(fq, &fakeEmbedder{})

	result, err := exec.Run(context.Background(), "tenant-1", "SQL SELECT count(*) FROM moments")
	require.NoError(t, err)
	assert.Equal(t, "SQL", result.Verb)
	assert.Equal(t, "SELECT count(*) FROM moments", fq.lastQuery)
}

func TestRunSQLBlocksKeywords(t *testing.T) {
	blocked := []string{
		"SQL DROP TABLE moments",
		"SQL delete from moments",
		"SQL UPDATE moments SET summary = 'x'",
		"SQL INSERT INTO moments VALUES (1)",
		"SQL ALTER TABLE moments ADD COLUMN x text",
		"SQL TRUNCATE moments",
		"SQL GRANT ALL ON moments TO public",
		"SQL CALL some_proc()",
	}
	exec := New(&fakeQuerier{}, &fakeEmbedder{})
	for _, stmt := range blocked {
		t.Run(stmt, func(t *testing.T) {
			_, err := exec.Run(context.Background(), "tenant-1", stmt)
			var blockedErr ErrBlockedKeyword
			assert.True(t, errors.As(err, &blockedErr))
		})
	}
}

func TestRunSQLDoesNotBlockSubstringMatches(t *testing.T) {
	// "updated_at" contains "UPDATE" as a substring but not as a standalone
	// word, and must not trip the blocklist.
	fq := &fakeQuerier{sqlRows: []map[string]any{}}
	exec := New(fq, &fakeEmbedder{})

	_, err := exec.Run(context.Background(), "tenant-1", "SQL SELECT updated_at FROM moments")
	assert.NoError(t, err)
}

func TestRunUnknownVerb(t *testing.T) {
	exec := New(&fakeQuerier{}, &fakeEmbedder{})
	_, err := exec.Run(context.Background(), "tenant-1", "FROBNICATE something")
	assert.Error(t, err)
}

func TestRunEmptyStatement(t *testing.T) {
	exec := New(&fakeQuerier{}, &fakeEmbedder{})
	_, err := exec.Run(context.Background(), "tenant-1", "   ")
	assert.Error(t, err)
}

func TestContainsWordBoundaries(t *testing.T) {
	assert.True(t, containsWord("DROP TABLE X", "DROP"))
	assert.False(t, containsWord("AIRDROPPED X", "DROP"))
	assert.False(t, containsWord("UPDATED_AT", "UPDATE"))
	assert.True(t, containsWord("SELECT * WHERE X=1; DELETE FROM Y", "DELETE"))
}
