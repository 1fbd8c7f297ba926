package provider_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/shadowtwin/internal/provider"
	"github.com/feichai0017/shadowtwin/internal/provider/localfs"
	"github.com/feichai0017/shadowtwin/internal/provider/objectstore"
	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/storage/memory"
)

func backends(t *testing.T) map[string]provider.Provider {
	t.Helper()
	fs, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	return map[string]provider.Provider{
		"localfs":     fs,
		"objectstore": objectstore.New(memory.New(""), "library"),
		"logged":      provider.Logged(objectstore.New(memory.New(""), ""), logger.NewNop()),
	}
}

func TestProvider_Contract(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			docs, err := p.CreateFolder(ctx, provider.RootID, "docs")
			require.NoError(t, err)
			assert.True(t, docs.IsFolder())
			assert.Equal(t, "docs", docs.ID)

			again, err := p.CreateFolder(ctx, provider.RootID, "docs")
			require.NoError(t, err)
			assert.Equal(t, docs.ID, again.ID)

			item, err := p.WriteFile(ctx, docs.ID, "a.md", []byte("first"), "text/markdown")
			require.NoError(t, err)
			assert.Equal(t, "docs/a.md", item.ID)
			assert.Equal(t, "docs", item.ParentID)

			_, err = p.WriteFile(ctx, docs.ID, "a.md", []byte("second"), "text/markdown")
			require.NoError(t, err)

			children, err := p.ListChildren(ctx, docs.ID)
			require.NoError(t, err)
			require.Len(t, children, 1)
			assert.Equal(t, "a.md", children[0].Name)

			data, err := provider.ReadAll(ctx, p, "docs/a.md")
			require.NoError(t, err)
			assert.Equal(t, "second", string(data))

			sub, err := p.CreateFolder(ctx, docs.ID, "_a.md")
			require.NoError(t, err)
			_, err = p.WriteFile(ctx, sub.ID, "img.png", []byte{1, 2, 3}, "image/png")
			require.NoError(t, err)

			resolved, err := p.ResolvePath(ctx, docs.ID, "_a.md/img.png")
			require.NoError(t, err)
			assert.Equal(t, "docs/_a.md/img.png", resolved.ID)
			assert.Equal(t, int64(3), resolved.Size)

			found, err := provider.FindChild(ctx, p, provider.RootID, "docs")
			require.NoError(t, err)
			assert.True(t, found.IsFolder())

			got, err := p.GetItem(ctx, "docs/_a.md")
			require.NoError(t, err)
			assert.True(t, got.IsFolder())
		})
	}
}

func TestProvider_Errors(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := p.GetItem(ctx, "missing.md")
			assert.ErrorIs(t, err, provider.ErrNotFound)

			_, err = p.ReadBinary(ctx, "missing.md")
			assert.ErrorIs(t, err, provider.ErrNotFound)

			_, err = p.ListChildren(ctx, "nowhere")
			assert.ErrorIs(t, err, provider.ErrNotFound)

			_, err = p.ResolvePath(ctx, provider.RootID, "../etc/passwd")
			assert.ErrorIs(t, err, provider.ErrUnsafePath)

			_, err = p.ResolvePath(ctx, provider.RootID, "/etc/passwd")
			assert.ErrorIs(t, err, provider.ErrUnsafePath)

			_, err = p.WriteFile(ctx, provider.RootID, "../x", []byte("x"), "")
			assert.ErrorIs(t, err, provider.ErrUnsafePath)

			_, err = p.WriteFile(ctx, "nowhere", "x.md", []byte("x"), "")
			assert.ErrorIs(t, err, provider.ErrNotFound)

			_, err = p.WriteFile(ctx, provider.RootID, "file.md", []byte("x"), "text/markdown")
			require.NoError(t, err)
			_, err = p.CreateFolder(ctx, provider.RootID, "file.md")
			assert.ErrorIs(t, err, provider.ErrNotFolder)
		})
	}
}

func TestLocalFS_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	fs, err := localfs.New(dir)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := fs.WriteFile(context.Background(), provider.RootID, "a.md", []byte("x"), "")
		require.NoError(t, err)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.md", entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestCleanRelative(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: ""},
		{in: ".", want: ""},
		{in: "a/b/../c", wantErr: true},
		{in: "a/./b", want: "a/b"},
		{in: `img\\x.png`, want: "img/x.png"},
		{in: "C:/windows", wantErr: true},
		{in: "/abs", wantErr: true},
		{in: "a\x00b", wantErr: true},
	}
	for _, tt := range tests {
		got, err := provider.CleanRelative(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, provider.ErrUnsafePath, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
