// SPDX-License-Identifier: GPL-3.0-or-later

package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigureInvalidLevel(t *testing.T) {
	err := Configure("dev", "not-a-level")
	require.Error(t, err)
}

func TestConfigureValidLevel(t *testing.T) {
	require.NoError(t, Configure("dev", "debug"))
	require.NotNil(t, GetLogger())
}

func TestNoopLogger(t *testing.T) {
	l := NewNoopLogger()
	require.NotPanics(t, func() {
		l.Debug(map[string]any{"k": "v"}, "msg")
		l.Info(nil, "msg")
		l.Warn(nil, "msg")
		l.Error(nil, "msg")
	})
}

func TestSetLoggerOverride(t *testing.T) {
	prev := GetLogger()
	defer SetLogger(prev)

	l := NewNoopLogger()
	SetLogger(l)
	require.Equal(t, l, GetLogger())
}
