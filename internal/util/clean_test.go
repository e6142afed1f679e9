package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"bom", append([]byte{0xEF, 0xBB, 0xBF}, []byte("Afuera")...), "Afuera"},
		{"smart quotes", []byte("“La negra Tomasa”"), `"La negra Tomasa"`},
		{"accents kept", []byte("Mátenme porque me muero…"), "Mátenme porque me muero..."},
		{"crlf", []byte("uno\r\ndos\r\n"), "uno\ndos"},
		{"invalid utf8", []byte{'a', 0xff, 'b'}, "a\uFFFDb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanText(tt.in, "test")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsLikelyBinary(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "songs.jsonl")
	bin := filepath.Join(dir, "songs.db")
	require.NoError(t, os.WriteFile(text, []byte(`{"title":"Afuera"}`), 0o644))
	require.NoError(t, os.WriteFile(bin, []byte{'S', 'Q', 0, 1}, 0o644))

	isBin, err := IsLikelyBinary(text)
	require.NoError(t, err)
	assert.False(t, isBin)

	isBin, err = IsLikelyBinary(bin)
	require.NoError(t, err)
	assert.True(t, isBin)

	_, err = IsLikelyBinary(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
