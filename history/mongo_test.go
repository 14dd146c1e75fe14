package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要本地 MongoDB：MONGODB_TEST_URI=mongodb://localhost:27017
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" || testing.Short() {
		t.Skip("MONGODB_TEST_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := InitMongoDB(ctx, uri, "polls_history_test")
	require.NoError(t, err)
	defer func() {
		_ = db.Drop(context.Background())
		_ = db.Client().Disconnect(context.Background())
	}()

	store, err := NewMongoStore(ctx, db)
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))

	snaps := []Snapshot{FromEvent(event("p1", 1)), FromEvent(event("p1", 2)), FromEvent(event("p2", 1))}
	require.NoError(t, store.Insert(ctx, snaps))
	// 重复版本被忽略
	require.NoError(t, store.Insert(ctx, snaps[:1]))

	got, err := store.List(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Version)
	assert.Equal(t, "A", got[0].Options[0].Text)
}

func TestNewMongoStoreNilDatabase(t *testing.T) {
	_, err := NewMongoStore(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilDatabase)
}
