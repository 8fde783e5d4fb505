package ledger_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/rand"

	"github.com/chainguard-dev/ec2-ephemeral/internal/ledger"
)

func TestLedger(t *testing.T) {
	ctx := context.Background()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	require.NoError(t, err)

	entries, err := l.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	launched := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	a := ledger.Entry{InstanceID: "i-aaa", Region: "us-east-1", Session: "s1", TemplateID: "lt-0abc1234", LaunchedAt: launched}
	b := ledger.Entry{InstanceID: "i-bbb", Region: "eu-west-1", Session: "s2", LaunchedAt: launched}

	require.NoError(t, l.Record(ctx, b))
	require.NoError(t, l.Record(ctx, a))

	entries, err = l.List(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff([]ledger.Entry{a, b}, entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, l.Remove(ctx, "i-aaa"))
	// Removing twice is fine.
	require.NoError(t, l.Remove(ctx, "i-aaa"))

	entries, err = l.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.Entry{b}, entries)
}

func TestLedgerReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := ledger.Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, ledger.Entry{InstanceID: "i-keep", Region: "us-west-2"}))

	again, err := ledger.Open(path)
	require.NoError(t, err)
	entries, err := again.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "i-keep", entries[0].InstanceID)
}

func TestLedgerConcurrent(t *testing.T) {
	ctx := context.Background()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = "i-" + rand.String(8)
	}

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			return l.Record(ctx, ledger.Entry{InstanceID: id, Region: "us-east-1"})
		})
	}
	require.NoError(t, g.Wait())

	entries, err := l.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, len(ids))
}
