package buffer

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetIsEmptyWithCapacity(t *testing.T) {
	bp := NewBufferPool(1024, 0)

	buf := bp.Get()
	buf.WriteString("leftover")
	bp.Put(buf)

	buf = bp.Get()
	defer bp.Put(buf)
	assert.Zero(t, buf.Len())
	assert.GreaterOrEqual(t, cap(buf.B), 1024)
}

func TestReadAll(t *testing.T) {
	bp := NewBufferPool(16, 0)

	buf, err := bp.ReadAll(strings.NewReader("#EXTM3U\nseg.ts\n"))
	require.NoError(t, err)
	defer bp.Put(buf)

	assert.Equal(t, "#EXTM3U\nseg.ts\n", buf.String())
}

func TestReadAllLimit(t *testing.T) {
	bp := NewBufferPool(16, 8)

	_, err := bp.ReadAll(bytes.NewReader(make([]byte, 9)))
	assert.ErrorIs(t, err, ErrTooLarge)

	buf, err := bp.ReadAll(bytes.NewReader(make([]byte, 8)))
	require.NoError(t, err)
	assert.Equal(t, 8, buf.Len())
	bp.Put(buf)
}

func TestReadAllPropagatesReadError(t *testing.T) {
	bp := NewBufferPool(16, 0)
	boom := errors.New("reset by peer")

	_, err := bp.ReadAll(iotest.ErrReader(boom))
	assert.ErrorIs(t, err, boom)
}
