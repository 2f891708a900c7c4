package sink

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassthroughWriter(t *testing.T) {
	var out bytes.Buffer
	p := NewPassthroughWriter(&out)

	require.NoError(t, p.Write([]byte(`{"name":"a"}`)))
	require.NoError(t, p.Write([]byte(`{"name":"b"}`)))

	st, err := p.Close()
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.TotalRows)
	assert.Zero(t, st.NumShards)
	assert.Equal(t, "{\"name\":\"a\"}\n{\"name\":\"b\"}\n", out.String())
}

func TestPassthroughWriterRejectsInvalidJSON(t *testing.T) {
	var out bytes.Buffer
	p := NewPassthroughWriter(&out)

	err := p.Write([]byte(`not json`))
	var we *WriterError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, "decode", we.Op)

	assert.Equal(t, err, p.Write([]byte(`{}`)))

	_, err = p.Close()
	assert.Error(t, err)
	assert.Empty(t, out.String())
}
