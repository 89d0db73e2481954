package markdown

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var authPrefix = map[string]bool{"auth": true}

func TestParseBasicDefinition(t *testing.T) {
	src := []byte("auth[auth.login]\nUsers MUST authenticate.\n")
	res := Parse("docs/s.md", src, authPrefix)
	require.Empty(t, res.Errors)
	require.Len(t, res.Definitions, 1)
	def := res.Definitions[0]
	require.Equal(t, "auth.login", def.ID.Base)
	require.Equal(t, 1, def.ID.Version)
	require.Equal(t, 0, def.StartByte)
	require.Contains(t, def.RawMarkdown, "Users MUST authenticate.")
}

func TestParseVersionSuffix(t *testing.T) {
	src := []byte("auth[auth.login+2]\nUse tokens.\n")
	res := Parse("docs/s.md", src, authPrefix)
	require.Empty(t, res.Errors)
	require.Len(t, res.Definitions, 1)
	require.Equal(t, 2, res.Definitions[0].ID.Version)
}

func TestParseBlockquoteForm(t *testing.T) {
	src := []byte("> auth[auth.login]\n> Users MUST authenticate.\n> Twice.\n\nOther text.\n")
	res := Parse("docs/s.md", src, authPrefix)
	require.Empty(t, res.Errors)
	require.Len(t, res.Definitions, 1)
	require.Contains(t, res.Definitions[0].RawMarkdown, "Twice.")
	require.NotContains(t, res.Definitions[0].RawMarkdown, "Other text.")
}

func TestParseIgnoresMarkerInCodeFence(t *testing.T) {
	src := []byte("```\nauth[auth.login]\n```\n")
	res := Parse("docs/s.md", src, authPrefix)
	require.Empty(t, res.Definitions)
}

func TestParseIgnoresMarkerInCodeSpan(t *testing.T) {
	src := []byte("Some text `auth[auth.login]` inline.\n")
	res := Parse("docs/s.md", src, authPrefix)
	require.Empty(t, res.Definitions)
}

func TestParseDuplicateInFile(t *testing.T) {
	src := []byte("auth[auth.login]\nFirst.\n\nauth[auth.login]\nSecond.\n")
	res := Parse("docs/s.md", src, authPrefix)
	require.Len(t, res.Definitions, 1)
	require.NotEmpty(t, res.Errors)
}

func TestParseSpanEndsAtHeading(t *testing.T) {
	src := []byte("auth[auth.login]\nUsers MUST authenticate.\n## Next section\nMore text.\n")
	res := Parse("docs/s.md", src, authPrefix)
	require.Len(t, res.Definitions, 1)
	require.NotContains(t, res.Definitions[0].RawMarkdown, "Next section")
}

func TestParseUnconfiguredPrefixIgnored(t *testing.T) {
	src := []byte("other[x.y]\nNot ours.\n")
	res := Parse("docs/s.md", src, authPrefix)
	require.Empty(t, res.Definitions)
}

func TestParseOutlineSlugsAndHeadingPath(t *testing.T) {
	src := []byte("# Top\n\n## Auth\n\nauth[auth.login]\nBody.\n")
	res := Parse("docs/s.md", src, authPrefix)
	require.Len(t, res.Outline, 2)
	require.Equal(t, "top", res.Outline[0].Slug)
	require.Equal(t, "auth", res.Outline[1].Slug)
	require.Len(t, res.Definitions, 1)
	path := res.Definitions[0].HeadingPath
	require.Len(t, path, 2)
	require.Equal(t, "top", path[0].Slug)
	require.Equal(t, "auth", path[1].Slug)
}

func TestParseBadVersionSuffix(t *testing.T) {
	src := []byte("auth[auth.login+0]\nBad.\n")
	res := Parse("docs/s.md", src, authPrefix)
	require.Empty(t, res.Definitions)
	require.Len(t, res.Errors, 1)
}
