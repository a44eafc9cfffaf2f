package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePage struct {
	name    string
	written bool
}

func (f *fakePage) SwapOut(kva []byte) error {
	f.written = true
	return nil
}

func (f *fakePage) Describe() string { return f.name }

func TestPoolGetRelease(t *testing.T) {
	p, err := NewPool(4)
	require.NoError(t, err)
	defer p.Close()

	owner := &fakePage{name: "a"}
	f, err := p.Get(owner)
	require.NoError(t, err)
	require.Equal(t, owner, f.Owner)

	copy(f.KVA(p), []byte("hello"))
	require.Equal(t, byte('h'), f.KVA(p)[0])

	p.Release(f)
}

func TestPoolEvictsWhenExhausted(t *testing.T) {
	p, err := NewPool(2)
	require.NoError(t, err)
	defer p.Close()

	a := &fakePage{name: "a"}
	b := &fakePage{name: "b"}
	_, err = p.Get(a)
	require.NoError(t, err)
	_, err = p.Get(b)
	require.NoError(t, err)

	c := &fakePage{name: "c"}
	f, err := p.Get(c)
	require.NoError(t, err)
	require.Equal(t, c, f.Owner)
	require.True(t, a.written, "oldest owner should have been evicted via SwapOut")
}
