package codeunit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/necessary-nu/tracey/internal/model"
)

func TestExtractGoFunctionWithDocComment(t *testing.T) {
	src := []byte("package demo\n\n// Login authenticates a user.\n// auth[impl auth.login]\nfunc Login() error {\n\treturn nil\n}\n")
	refID, err := model.ParseID("auth.login")
	require.NoError(t, err)
	refs := []model.Reference{{ID: refID, Prefix: "auth", Verb: model.VerbImpl, File: "x.go", Line: 4}}

	units := Extract(context.Background(), "x.go", src, "go", refs)
	require.Len(t, units, 1)
	u := units[0]
	require.Equal(t, model.KindFunction, u.Kind)
	require.Equal(t, "Login", u.Name)
	require.Equal(t, 3, u.StartLine, "start line should extend upward through the doc comment")
	require.Len(t, u.Refs, 1)
}

func TestExtractGoTypeAndMethodAsSiblings(t *testing.T) {
	src := []byte("package demo\n\ntype Server struct{}\n\nfunc (s *Server) Run() {}\n")
	units := Extract(context.Background(), "x.go", src, "go", nil)
	require.Len(t, units, 2)
	require.Equal(t, model.KindType, units[0].Kind)
	require.Equal(t, "Server", units[0].Name)
	require.Equal(t, model.KindFunction, units[1].Kind)
	require.Equal(t, "Run", units[1].Name)
}

func TestExtractRustImplBlockIsNameless(t *testing.T) {
	src := []byte("struct Foo;\n\nimpl Foo {\n    fn bar() {}\n}\n")
	units := Extract(context.Background(), "x.rs", src, "rs", nil)
	require.Len(t, units, 2)
	require.Equal(t, model.KindType, units[0].Kind)
	require.Equal(t, model.KindImplBlock, units[1].Kind)
	require.Empty(t, units[1].Name)
	require.Len(t, units[1].Children, 1)
	require.Equal(t, "bar", units[1].Children[0].Name)
}

func TestExtractUnsupportedExtensionIsWholeFile(t *testing.T) {
	src := []byte("line one\nline two\nline three\n")
	refID, _ := model.ParseID("x.y")
	refs := []model.Reference{{ID: refID, Line: 2}}
	units := Extract(context.Background(), "notes.txt", src, "txt", refs)
	require.Len(t, units, 1)
	require.Equal(t, model.KindOther, units[0].Kind)
	require.Equal(t, 1, units[0].StartLine)
	require.Equal(t, 3, units[0].EndLine)
	require.Len(t, units[0].Refs, 1)
}

func TestExtractAssignsRefToInnermostUnit(t *testing.T) {
	src := []byte("package demo\n\ntype Server struct{}\n\nfunc (s *Server) Run() {\n\t// auth[verify auth.login]\n}\n")
	refID, _ := model.ParseID("auth.login")
	refs := []model.Reference{{ID: refID, Prefix: "auth", Verb: model.VerbVerify, Line: 6}}
	units := Extract(context.Background(), "x.go", src, "go", refs)
	require.Len(t, units, 2)
	require.Empty(t, units[0].Refs)
	require.Len(t, units[1].Refs, 1)
}
