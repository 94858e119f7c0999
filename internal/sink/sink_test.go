package sink

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abdoElHodaky/cryptocore/internal/domain"
)

func TestAppendRingEvictsBeyondCapacity(t *testing.T) {
	s, err := New(3, "", zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(context.Background(), domain.RegulatoryReport{ReportID: string(rune('a' + i))}))
	}

	assert.Equal(t, 3, s.Len())
	recent := s.Recent(10)
	assert.Equal(t, "e", recent[len(recent)-1].Report.ReportID)
}

func TestAppendPersistsToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")
	s, err := New(10, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(context.Background(), domain.RegulatoryReport{ReportID: "r1"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "r1")
}
