package version

import (
	"bytes"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFprintVersion(t *testing.T) {
	var buf bytes.Buffer
	FprintVersion(&buf)

	fields := strings.Fields(buf.String())
	require.Len(t, fields, 4)
	require.Equal(t, Package, fields[1])
	require.Equal(t, Version, fields[2])
	require.Equal(t, runtime.Version(), fields[3])
}
