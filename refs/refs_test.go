package refs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRef_NewParse(t *testing.T) {
	ref := New("alice", "r-123")
	assert.Equal(t, Ref("alice:r-123"), ref)

	owner, id, err := Parse(ref)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, "r-123", id)
}

func TestParse_Malformed(t *testing.T) {
	for _, bad := range []Ref{"", "alice", ":r1", "alice:"} {
		_, _, err := Parse(bad)
		require.Error(t, err, string(bad))
	}
}

func TestInterner_StableIDs(t *testing.T) {
	in := NewInterner()

	a := in.Intern("alice:r1")
	b := in.Intern("bob:r2")
	require.NotEqual(t, a, b)
	assert.Equal(t, a, in.Intern("alice:r1"))
	assert.Equal(t, 2, in.Len())

	ref, ok := in.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, Ref("alice:r1"), ref)

	_, ok = in.Lookup(99)
	assert.False(t, ok)
}

func TestInterner_Concurrent(t *testing.T) {
	in := NewInterner()
	refs := []Ref{"a:1", "b:2", "c:3", "d:4"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, r := range refs {
				id := in.Intern(r)
				got, ok := in.Lookup(id)
				if !ok || got != r {
					t.Errorf("lookup %q mismatch", r)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, len(refs), in.Len())
}
