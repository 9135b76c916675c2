package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"funnelbot/internal/identity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(value string) identity.State {
	return identity.State{
		Cookies: []identity.Cookie{
			{Name: "email", Value: value, Domain: ".louren.co.in", Path: "/", Expires: 1.9e9},
			{Name: "_ga", Value: "GA1.1.123.456", Domain: ".louren.co.in", Path: "/"},
		},
		LocalStorage: map[string]map[string]string{"https://louren.co.in": {"cart": "[]"}},
	}
}

// exerciseStore runs the Store contract against s.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "ecommerce01/session_00001")
	require.NoError(t, err)
	assert.False(t, ok, "fresh key must be absent")

	require.NoError(t, s.Set(ctx, "ecommerce01/session_00001", sampleState("ana@gmail.com")))
	got, ok, err := s.Get(ctx, "ecommerce01/session_00001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleState("ana@gmail.com"), got)

	// Last writer wins.
	require.NoError(t, s.Set(ctx, "ecommerce01/session_00001", sampleState("bia@gmail.com")))
	got, _, err = s.Get(ctx, "ecommerce01/session_00001")
	require.NoError(t, err)
	c, _ := got.Cookie("email")
	assert.Equal(t, "bia@gmail.com", c.Value)

	require.NoError(t, s.Set(ctx, "ecommerce01/session_00002", sampleState("caio@gmail.com")))
	require.NoError(t, s.Set(ctx, "other/session_00001", sampleState("duda@gmail.com")))

	records, err := s.List(ctx, "ecommerce01/")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ecommerce01/session_00001", records[0].Key)
	assert.Equal(t, "ecommerce01/session_00002", records[1].Key)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.Close())
	_, _, err = s.Get(ctx, "ecommerce01/session_00001")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(ctx, "k", identity.State{}), ErrClosed)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	st := sampleState("ana@gmail.com")
	require.NoError(t, m.Set(ctx, "k", st))
	st.Cookies[0].Value = "changed"

	got, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "ana@gmail.com", got.Cookies[0].Value)
}

func TestSQLStore(t *testing.T) {
	s, err := NewSQLStore(DriverSQLite, filepath.Join(t.TempDir(), "nested", "funnelbot.db"))
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestSQLStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "funnelbot.db")

	s, err := NewSQLStore(DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "ecommerce01/session_00042", sampleState("ana@gmail.com")))
	require.NoError(t, s.Close())

	reopened, err := NewSQLStore(DriverSQLite, path)
	require.NoError(t, err)
	defer reopened.Close()
	got, ok, err := reopened.Get(ctx, "ecommerce01/session_00042")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleState("ana@gmail.com"), got)
}

func TestSQLStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLStore(DriverSQLite, filepath.Join(t.TempDir(), "funnelbot.db"))
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, s.Set(ctx, "shared", sampleState("x@gmail.com")))
				_, _, err := s.Get(ctx, "shared")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestSQLStore_PrefixIsLiteral(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLStore(DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "a%b/1", identity.State{}))
	require.NoError(t, s.Set(ctx, "axb/1", identity.State{}))

	records, err := s.List(ctx, "a%")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a%b/1", records[0].Key)
}

func TestList_NonASCIIPrefix(t *testing.T) {
	sqlStore, err := NewSQLStore(DriverSQLite, ":memory:")
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			defer s.Close()

			for _, key := range []string{"café/1", "café/2", "cafe/1", "caféx/1", "cafè/1"} {
				require.NoError(t, s.Set(ctx, key, identity.State{}))
			}

			records, err := s.List(ctx, "café/")
			require.NoError(t, err)
			keys := make([]string, len(records))
			for i, r := range records {
				keys[i] = r.Key
			}
			assert.Equal(t, []string{"café/1", "café/2"}, keys)
		})
	}
}

func TestPrefixEnd(t *testing.T) {
	cases := []struct {
		prefix string
		end    string
		ok     bool
	}{
		{"ecommerce01/", "ecommerce010", true},
		{"café", "cafê", true},
		{"a\xff", "b", true},
		{"\xff\xff", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		end, ok := prefixEnd(tc.prefix)
		assert.Equal(t, tc.ok, ok, "%q", tc.prefix)
		assert.Equal(t, tc.end, end, "%q", tc.prefix)
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(DriverMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open("", filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open("postgres", "")
	assert.Error(t, err)
}
