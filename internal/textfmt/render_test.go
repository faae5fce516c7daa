package textfmt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderMarkers(t *testing.T) {
	require.Equal(t, "*bold* and _italic_", Render("**bold** and __italic__"))
	require.Equal(t, "~strike~", Render("~~strike~~"))
	require.Equal(t, "already *native*", Render("already *native*"))
}

func TestRenderShortcodes(t *testing.T) {
	require.Equal(t, "deal 🔥 done ✅", Render("deal :fire: done :check:"))
	require.Equal(t, "unknown :nope: stays", Render("unknown :nope: stays"))
}

func TestRenderPlainTextUntouched(t *testing.T) {
	require.Equal(t, "hello world", Render("hello world"))
	require.Equal(t, "", Render(""))
	require.Equal(t, "meet at 10:30", Render("meet at 10:30"))
}
