package kvconnect_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/kvexplorer/kvexplorer/internal/kvconnect"
	"github.com/kvexplorer/kvexplorer/internal/kvconnect/kvconnecttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, srv *kvconnecttest.Server) *kvconnect.Client {
	t.Helper()
	c, err := kvconnect.NewClient(kvconnect.Options{
		ConnectURL: srv.ConnectURL(),
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := kvconnect.NewClient(kvconnect.Options{ConnectURL: "https://example.com/connect", Timeout: time.Second})
	assert.Error(t, err)

	_, err = kvconnect.NewClient(kvconnect.Options{ConnectURL: "https://example.com/{id}/connect"})
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	srv := kvconnecttest.NewServer()
	defer srv.Close()
	srv.Tokens["db-1"] = "secret"

	c := newClient(t, srv)

	t.Run("accepted", func(t *testing.T) {
		s, err := c.Connect(context.Background(), "db-1", "secret")
		require.NoError(t, err)
		defer s.Close()

		md := s.Metadata()
		assert.Equal(t, 3, md.Version)
		assert.Equal(t, "db-1", md.DatabaseID)
		assert.NotEmpty(t, md.Token)
	})

	t.Run("rejected token", func(t *testing.T) {
		_, err := c.Connect(context.Background(), "db-1", "wrong")
		require.Error(t, err)

		var se *kvconnect.StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
		assert.Equal(t, "metadata exchange", se.Op)
	})
}

func TestReadWriteRoundTrip(t *testing.T) {
	srv := kvconnecttest.NewServer()
	defer srv.Close()

	ctx := context.Background()
	s, err := newClient(t, srv).Connect(ctx, "db-2", "tok")
	require.NoError(t, err)
	defer s.Close()

	keyA := []byte{0x02, 'a', 0x00}
	keyB := []byte{0x02, 'b', 0x00}
	wout, err := s.AtomicWrite(ctx, &kvconnect.AtomicWrite{Mutations: []kvconnect.Mutation{
		{Key: keyA, Type: kvconnect.MutationSet, Value: &kvconnect.KvValue{Data: []byte("A"), Encoding: kvconnect.EncodingBytes}},
		{Key: keyB, Type: kvconnect.MutationSet, Value: &kvconnect.KvValue{Data: []byte("B"), Encoding: kvconnect.EncodingBytes}},
	}})
	require.NoError(t, err)
	assert.Len(t, wout.Versionstamp, 10)

	rout, err := s.SnapshotRead(ctx, &kvconnect.SnapshotRead{Ranges: []kvconnect.ReadRange{
		{Start: []byte{0x02}, End: []byte{0x03}, Limit: 10, Reverse: true},
		{Start: keyA, End: append(append([]byte{}, keyA...), 0x00), Limit: 1},
	}})
	require.NoError(t, err)
	require.Len(t, rout.Ranges, 2)

	all := rout.Ranges[0].Values
	require.Len(t, all, 2)
	assert.Equal(t, keyB, all[0].Key)
	assert.Equal(t, keyA, all[1].Key)

	require.Len(t, rout.Ranges[1].Values, 1)
	assert.Equal(t, []byte("A"), rout.Ranges[1].Values[0].Value)
	assert.Equal(t, wout.Versionstamp, rout.Ranges[1].Values[0].Versionstamp)

	_, err = s.AtomicWrite(ctx, &kvconnect.AtomicWrite{Mutations: []kvconnect.Mutation{
		{Key: keyA, Type: kvconnect.MutationDelete},
	}})
	require.NoError(t, err)

	rout, err = s.SnapshotRead(ctx, &kvconnect.SnapshotRead{Ranges: []kvconnect.ReadRange{
		{Start: []byte{0x02}, End: []byte{0x03}, Limit: 10},
	}})
	require.NoError(t, err)
	require.Len(t, rout.Ranges[0].Values, 1)
	assert.Equal(t, keyB, rout.Ranges[0].Values[0].Key)

	assert.Equal(t, 1, srv.Calls("connect"))
	assert.Equal(t, 2, srv.Calls("atomic_write"))
}

func TestTenantIsolation(t *testing.T) {
	srv := kvconnecttest.NewServer()
	defer srv.Close()

	ctx := context.Background()
	c := newClient(t, srv)

	s1, err := c.Connect(ctx, "tenant-1", "t1")
	require.NoError(t, err)
	defer s1.Close()
	_, err = s1.AtomicWrite(ctx, &kvconnect.AtomicWrite{Mutations: []kvconnect.Mutation{
		{Key: []byte{0x02, 'x', 0x00}, Type: kvconnect.MutationSet, Value: &kvconnect.KvValue{Data: []byte("1"), Encoding: kvconnect.EncodingBytes}},
	}})
	require.NoError(t, err)

	s2, err := c.Connect(ctx, "tenant-2", "t2")
	require.NoError(t, err)
	defer s2.Close()
	out, err := s2.SnapshotRead(ctx, &kvconnect.SnapshotRead{Ranges: []kvconnect.ReadRange{
		{Start: []byte{0x00}, End: []byte{0xff}, Limit: 10},
	}})
	require.NoError(t, err)
	assert.Empty(t, out.Ranges[0].Values)
}
