package tradelog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendWritesDailyFileInLocation(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRADER_LOG_DIR", dir)

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	SetLocation(ny)
	defer SetLocation(time.UTC)

	// 02:00 UTC on the 5th is still the 4th in New York
	fixed := time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	defer func() { now = time.Now }()

	require.NoError(t, Append(Entry{Kind: KindFill, Symbol: "AAPL", Side: "BUY", Qty: 3, Price: 101.5, OrderID: "o1"}))
	require.NoError(t, Append(Entry{Kind: KindReject, Symbol: "AAPL", Reason: "insufficient buying power"}))

	p := filepath.Join(dir, "2024-03-04.txt")
	assert.Equal(t, p, DailyPath(fixed))

	f, err := os.Open(p)
	require.NoError(t, err)
	defer f.Close()

	var got []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "2024-03-04 21:00:00", got[0].Time)
	assert.Equal(t, KindFill, got[0].Kind)
	assert.Equal(t, 3, got[0].Qty)
	assert.Equal(t, KindReject, got[1].Kind)
}

func TestCompressOlder(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRADER_LOG_DIR", dir)

	old := filepath.Join(dir, "2020-01-01.txt")
	fresh := filepath.Join(dir, "2099-01-01.txt")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("{}\n"), 0o644))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))

	require.NoError(t, CompressOlder(7))

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(old + ".gz")
	assert.NoError(t, err)
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
