package flatfile

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Birthdate time.Time `json:"birthdate"`
}

var born = time.Date(1990, 3, 14, 9, 26, 53, 0, time.UTC)

func TestJSONLineWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLineWriter[person](&buf)
	ctx := context.Background()

	require.NoError(t, w.Open(ctx))
	require.NoError(t, w.Write(ctx, []person{{1, "Ada", born}, {2, "Linus", born.AddDate(1, 0, 0)}}))
	require.NoError(t, w.Write(ctx, []person{{3, "Grace", born}}))
	require.NoError(t, w.Flush(ctx))
	require.NoError(t, w.Close())

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, `{"id":1,"name":"Ada","birthdate":"1990-03-14 09:26:53"}`, lines[0])
	assert.Contains(t, lines[1], `"birthdate":"1991-03-14 09:26:53"`)
	assert.Contains(t, lines[2], `"name":"Grace"`)
}

func TestJSONLineWriterDateLayout(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLineWriter[person](&buf, WithDateLayout(time.DateOnly))

	require.NoError(t, w.Write(context.Background(), []person{{1, "Ada", born}}))
	assert.Equal(t, `{"id":1,"name":"Ada","birthdate":"1990-03-14"}`+"\n", buf.String())
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	ctx := context.Background()

	w := NewFileWriter[person](path)
	require.Error(t, w.Write(ctx, []person{{1, "early", born}}), "write before open")

	require.NoError(t, w.Open(ctx))
	require.NoError(t, w.Write(ctx, []person{{1, "Ada", born}}))
	require.NoError(t, w.Flush(ctx))
	require.NoError(t, w.Close())

	// Reopening truncates unless appending
	require.NoError(t, w.Open(ctx))
	require.NoError(t, w.Write(ctx, []person{{2, "Linus", born}}))
	require.NoError(t, w.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), "Linus")

	aw := NewFileWriter[person](path, WithAppend())
	require.NoError(t, aw.Open(ctx))
	require.NoError(t, aw.Write(ctx, []person{{3, "Grace", born}}))
	require.NoError(t, aw.Close())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}
