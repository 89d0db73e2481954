package srcscan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/necessary-nu/tracey/internal/model"
)

var authPrefix = map[string]bool{"auth": true}

func TestScanImplicitImplVerb(t *testing.T) {
	src := []byte("// auth[auth.login]\nfn x(){}\n")
	res := Scan("src/a.rs", src, authPrefix)
	require.Empty(t, res.Errors)
	require.Len(t, res.References, 1)
	require.Equal(t, model.VerbImpl, res.References[0].Verb)
	require.Equal(t, 1, res.References[0].Line)
}

func TestScanExplicitVerbs(t *testing.T) {
	src := []byte("// auth[verify auth.login]\n// auth[test auth.login]\n// auth[depends auth.login]\n// auth[related auth.login]\n")
	res := Scan("src/a.rs", src, authPrefix)
	require.Empty(t, res.Errors)
	require.Len(t, res.References, 4)
	require.Equal(t, model.VerbVerify, res.References[0].Verb)
	require.Equal(t, model.VerbVerify, res.References[1].Verb)
	require.Equal(t, model.VerbDepends, res.References[2].Verb)
	require.Equal(t, model.VerbRelated, res.References[3].Verb)
}

func TestScanUnknownVerbRecordedAsWarning(t *testing.T) {
	src := []byte("// auth[bogus auth.login]\n")
	res := Scan("src/a.rs", src, authPrefix)
	require.Len(t, res.References, 1)
	require.Equal(t, model.VerbUnknown, res.References[0].Verb)
	require.Len(t, res.Errors, 1)
}

func TestScanIgnoresBacktickedRef(t *testing.T) {
	src := []byte("// see `auth[impl auth.login]` for an example\n")
	res := Scan("src/a.rs", src, authPrefix)
	require.Empty(t, res.References)
}

func TestScanIgnoreNextLine(t *testing.T) {
	src := []byte("// @tracey:ignore-next-line\n// auth[impl auth.login]\n")
	res := Scan("src/a.rs", src, authPrefix)
	require.Len(t, res.References, 1)
	require.True(t, res.References[0].Ignored)
}

func TestScanIgnoreBlock(t *testing.T) {
	src := []byte("// @tracey:ignore-start\n// auth[impl auth.login]\n// @tracey:ignore-end\n")
	res := Scan("src/b.rs", src, authPrefix)
	require.Len(t, res.References, 1)
	require.True(t, res.References[0].Ignored)
	require.Empty(t, res.Errors)
}

func TestScanNestedIgnoreIsError(t *testing.T) {
	src := []byte("// @tracey:ignore-start\n// @tracey:ignore-start\n// @tracey:ignore-end\n")
	res := Scan("src/c.rs", src, authPrefix)
	require.Len(t, res.Errors, 1)
}

func TestScanUnclosedIgnoreIsError(t *testing.T) {
	src := []byte("// @tracey:ignore-start\n// auth[impl auth.login]\n")
	res := Scan("src/d.rs", src, authPrefix)
	require.Len(t, res.Errors, 1)
}

func TestScanReconstructsSourceSubstring(t *testing.T) {
	src := []byte("/* auth[verify auth.login] */\n")
	res := Scan("src/e.rs", src, authPrefix)
	require.Len(t, res.References, 1)
	r := res.References[0]
	sub := string(src[r.ByteOffset : r.ByteOffset+r.ByteLength])
	require.Equal(t, "auth[verify auth.login]", sub)
}

func TestScanMultipleRefsPerComment(t *testing.T) {
	src := []byte("// auth[impl auth.login] and auth[verify auth.logout]\n")
	res := Scan("src/f.rs", src, authPrefix)
	require.Len(t, res.References, 2)
}

func TestScanUnconfiguredPrefixSkipped(t *testing.T) {
	src := []byte("// other[impl x.y]\n")
	res := Scan("src/g.rs", src, authPrefix)
	require.Empty(t, res.References)
}
