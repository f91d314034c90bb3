package consistency

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"med-deid/internal/logger"
)

func TestResolve_AssignsOnceAndNeverOverwrites(t *testing.T) {
	c := NewMemory()
	calls := 0
	assign := func(raw string) string {
		calls++
		return fmt.Sprintf("ID_%d", calls)
	}

	first := c.Resolve("110101197812345678", assign)
	second := c.Resolve("110101197812345678", assign)

	assert.Equal(t, "ID_1", first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	hits, misses := c.Counters()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestResolve_ConcurrentCallersAgree(t *testing.T) {
	c := NewMemory()
	var mu sync.Mutex
	n := 0
	assign := func(string) string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("tok-%d", n)
	}

	const workers = 16
	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Resolve("same", assign)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
	assert.Equal(t, 1, n)
}

func TestImport_KeepsExistingEntries(t *testing.T) {
	c := NewMemory()
	c.Resolve("a", func(string) string { return "orig" })

	added := c.Import(map[string]string{"a": "other", "b": "B", "": "x", "c": ""})
	assert.Equal(t, 1, added)

	v, _ := c.Lookup("a")
	assert.Equal(t, "orig", v)
	v, _ = c.Lookup("b")
	assert.Equal(t, "B", v)
	assert.Equal(t, 2, c.Len())
}

func TestJSONRoundTrip(t *testing.T) {
	src := NewMemory()
	src.Resolve("张三", func(string) string { return "NAME_ID_1234abcd" })
	src.Resolve("0000688716", func(string) string { return "ID_deadbeef" })

	var buf bytes.Buffer
	require.NoError(t, src.WriteJSON(&buf))
	assert.Contains(t, buf.String(), "张三", "non-ASCII keys are written verbatim")

	dst := NewMemory()
	n, err := dst.ReadJSON(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := dst.Export()
	require.NoError(t, err)
	want, err := src.Export()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadJSON_Malformed(t *testing.T) {
	_, err := NewMemory().ReadJSON(strings.NewReader("[1,2]"))
	require.Error(t, err)
}

func TestOpen_PersistentAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.db")

	c1, err := Open(path, 0, logger.Nop())
	require.NoError(t, err)
	c1.Resolve("13812345678", func(string) string { return "ID_00000001" })
	require.NoError(t, c1.Close())

	c2, err := Open(path, 10, logger.Nop())
	require.NoError(t, err)
	defer c2.Close() //nolint:errcheck // test cleanup

	got := c2.Resolve("13812345678", func(string) string { return "ID_changed" })
	assert.Equal(t, "ID_00000001", got)
}

func TestOpen_EmptyPathIsMemory(t *testing.T) {
	c, err := Open("", 100, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
	require.NoError(t, c.Close())
}
