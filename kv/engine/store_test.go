package engine

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	val, err := s.Get([]byte("a"))
	require.Nil(t, err)
	assert.Nil(t, val)

	require.Nil(t, s.Write([]Modify{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
		{Key: []byte("d"), Value: []byte("4")},
	}))
	val, err = s.Get([]byte("b"))
	require.Nil(t, err)
	assert.Equal(t, []byte("2"), val)

	pairs, err := s.Scan([]byte("b"), []byte("d"), 0)
	require.Nil(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, []byte("b"), pairs[0].Key)
	assert.Equal(t, []byte("c"), pairs[1].Key)

	pairs, err = s.Scan([]byte("a"), nil, 3)
	require.Nil(t, err)
	assert.Len(t, pairs, 3)

	require.Nil(t, s.Write([]Modify{
		{Key: []byte("b"), Delete: true},
		{Key: []byte("c"), Value: []byte("33")},
	}))
	val, err = s.Get([]byte("b"))
	require.Nil(t, err)
	assert.Nil(t, val)
	pairs, err = s.Scan([]byte("a"), nil, 0)
	require.Nil(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, []byte("33"), pairs[1].Value)

	// Returned slices belong to the caller.
	val, err = s.Get([]byte("c"))
	require.Nil(t, err)
	val[0] = 'X'
	pairs[0].Key[0] = 'Z'
	pairs[0].Value[0] = 'Z'
	val, err = s.Get([]byte("c"))
	require.Nil(t, err)
	assert.Equal(t, []byte("33"), val)
	val, err = s.Get([]byte("a"))
	require.Nil(t, err)
	assert.Equal(t, []byte("1"), val)
	pairs, err = s.Scan([]byte("a"), nil, 0)
	require.Nil(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, []byte("a"), pairs[0].Key)
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	testStore(t, s)
	assert.Equal(t, 3, s.Len())
	assert.Nil(t, s.Close())
}

func TestBadgerStore(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinytxn-engine")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	s, err := OpenBadgerStore(dir, false)
	require.Nil(t, err)
	testStore(t, s)
	require.Nil(t, s.Close())

	// Data survives a reopen.
	s, err = OpenBadgerStore(dir, false)
	require.Nil(t, err)
	defer s.Close()
	val, err := s.Get([]byte("c"))
	require.Nil(t, err)
	assert.Equal(t, []byte("33"), val)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("ab"), prefixEnd([]byte("aa")))
	assert.Equal(t, []byte{'b'}, prefixEnd([]byte{'a', 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff, 0xff}))
	assert.Equal(t, append(tablePrefix("t1")[:3], 1), prefixEnd(tablePrefix("t1")))
}
