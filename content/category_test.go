package content

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		mime string
		want Category
	}{
		{"application/epub+zip", Ebook},
		{"application/pdf", Document},
		{"image/png", Image},
		{"image/svg+xml", Image},
		{"IMAGE/JPEG", Image},
		{"video/mp4", Video},
		{"video/webm; codecs=vp9", Video},
		{"text/plain", Text},
		{"text/plain; charset=ISO-8859-1", Text},
		{"text/markdown", Text},
		{"application/json", Text},
		{"text/html", Text},
		{"text/csv", Text},
		{"application/xml", Text},
		{"application/x-yaml", Text},
		{"audio/mpeg", Other},
		{"application/octet-stream", Other},
		{"application/zip", Other},
		{"", Other},
		{"garbage", Other},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Classify(tt.mime), "Classify(%q)", tt.mime)
	}
}

func TestCharset(t *testing.T) {
	require.Equal(t, "ISO-8859-1", Charset("text/plain; charset=ISO-8859-1"))
	require.Empty(t, Charset("text/plain"))
	require.Empty(t, Charset(""))
}

func TestCategoryText(t *testing.T) {
	for _, c := range []Category{Other, Image, Video, Document, Ebook, Text} {
		text, err := c.MarshalText()
		require.NoError(t, err)

		var got Category
		require.NoError(t, got.UnmarshalText(text))
		require.Equal(t, c, got)
	}

	var c Category
	require.Error(t, c.UnmarshalText([]byte("audio")))
}
