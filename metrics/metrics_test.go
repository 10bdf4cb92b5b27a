package metrics

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mvstore"
)

func TestCollector(t *testing.T) {
	c := New(prometheus.Labels{"store": "test"})
	reg := prometheus.NewPedanticRegistry()
	c.MustRegister(reg)

	c.RecordCommit(4096, 3, time.Millisecond, nil)
	c.RecordCommit(0, 0, time.Millisecond, errors.New("boom"))
	c.RecordPageRead(100, time.Microsecond, nil)
	c.RecordCompaction(2, 10, time.Millisecond, nil)
	c.RecordChunksFreed(2, 8192)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.commits.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commits.WithLabelValues("error")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.committedBytes))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.committedPages))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.pageReadBytes))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.compactedPages))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunksFreed))
	assert.Equal(t, 8192.0, testutil.ToFloat64(c.freedBytes))

	n, err := testutil.GatherAndCount(reg, CommitsTotalKey)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCollectorWithStore(t *testing.T) {
	c := New(nil)
	cfg := mvstore.DefaultConfig(filepath.Join(t.TempDir(), "m.mv.db"))
	cfg.AutoCommitDelay = 0
	s, err := mvstore.Open(cfg, mvstore.WithMetricsCollector(c))
	require.NoError(t, err)
	defer s.Close()

	m, err := mvstore.OpenMap(s, "data", mvstore.LongType{}, mvstore.StringType{})
	require.NoError(t, err)
	_, _, err = m.Put(1, "a")
	require.NoError(t, err)
	_, err = s.Commit()
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.commits.WithLabelValues("success")))
	assert.Positive(t, testutil.ToFloat64(c.committedBytes))

	sc := NewStatsCollector(s, prometheus.Labels{"store": "m"})
	assert.Equal(t, 9, testutil.CollectAndCount(sc))

	expected := `
# HELP mvstore_chunks Number of chunks in the file.
# TYPE mvstore_chunks gauge
mvstore_chunks{store="m"} 1
# HELP mvstore_committed_version Last committed version.
# TYPE mvstore_committed_version gauge
mvstore_committed_version{store="m"} 1
`
	require.NoError(t, testutil.CollectAndCompare(sc, strings.NewReader(expected), "mvstore_chunks", "mvstore_committed_version"))
}
