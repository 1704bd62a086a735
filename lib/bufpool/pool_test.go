package bufpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testGetPut(t *testing.T, useMmap bool) {
	bp := New(60*time.Second, 4096, 2, useMmap)

	assert.Equal(t, 0, bp.InUse())

	b1 := bp.Get()
	assert.Equal(t, 1, bp.InUse())
	assert.Equal(t, 0, bp.InPool())
	assert.Equal(t, 1, bp.Alloced())

	b2 := bp.Get()
	assert.Equal(t, 2, bp.InUse())
	assert.Equal(t, 2, bp.Alloced())

	bp.Put(b1)
	assert.Equal(t, 1, bp.InUse())
	assert.Equal(t, 1, bp.InPool())

	bp.Put(b2)
	assert.Equal(t, 0, bp.InUse())
	assert.Equal(t, 2, bp.InPool())

	b3 := bp.Get()
	assert.Equal(t, 1, bp.InPool())
	bp.Put(b3)
}

func TestGetPut(t *testing.T) {
	testGetPut(t, false)
}

func TestGetPutMmap(t *testing.T) {
	testGetPut(t, true)
}

func TestFlushKeepsMinBuffers(t *testing.T) {
	bp := New(time.Millisecond, 1024, 1, false)
	b1, b2 := bp.Get(), bp.Get()
	bp.Put(b1)
	bp.Put(b2)
	assert.Equal(t, 2, bp.Alloced())
	time.Sleep(20 * time.Millisecond)
	bp.flush()
	assert.Equal(t, 1, bp.Alloced())
	assert.Equal(t, 1, bp.InPool())
}
