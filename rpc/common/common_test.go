package common

import (
	"strings"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNodeMarkNormalizesTags verifies that tag order and duplicates do not change the mark
func TestNodeMarkNormalizesTags(t *testing.T) {
	a := CalculateNodeMark([]string{"storage", " gateway", "storage", ""})
	b := CalculateNodeMark([]string{"gateway", "storage"})

	assert.Equal(t, []string{"gateway", "storage"}, a.DutyTags())
	assert.Equal(t, a.Summary(), b.Summary())
	assert.True(t, a.HasDuty("gateway"))
	assert.False(t, a.HasDuty("worker"))
	assert.Len(t, a.Summary(), 36)
}

// TestNodeMarkDiffersPerDuty verifies that different duties produce different summaries
func TestNodeMarkDiffersPerDuty(t *testing.T) {
	a := CalculateNodeMark([]string{"gateway"})
	b := CalculateNodeMark([]string{"storage"})
	assert.NotEqual(t, a.Summary(), b.Summary())
}

// TestNodeMarkIsImmutable verifies that the returned tags are a copy
func TestNodeMarkIsImmutable(t *testing.T) {
	m := CalculateNodeMark([]string{"a", "b"})
	tags := m.DutyTags()
	tags[0] = "changed"
	assert.Equal(t, []string{"a", "b"}, m.DutyTags())
}

// TestServerSettingsClone verifies that clones do not share the duty mark
func TestServerSettingsClone(t *testing.T) {
	s := DefaultServerSettings()
	s.DutyMark = []string{"a"}
	c := s.Clone()
	c.DutyMark[0] = "b"
	assert.Equal(t, "a", s.DutyMark[0])
}

// TestConnectSettingsValidate checks the rejected combinations
func TestConnectSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultConnectSettings().Validate())

	s := DefaultConnectSettings()
	s.CorrelationRangeStart = 0
	assert.Error(t, s.Validate())

	s = DefaultConnectSettings()
	s.CorrelationRangeStart, s.CorrelationRangeEnd = 10, 5
	assert.Error(t, s.Validate())

	s = DefaultConnectSettings()
	s.MaximumFrameSize = s.CutPackageSize - 1
	assert.Error(t, s.Validate())

	s = DefaultConnectSettings()
	s.MaximumPackageSize = int64(s.CutPackageSize) - 1
	assert.Error(t, s.Validate())
	s.MaximumPackageSize = 0
	assert.NoError(t, s.Validate())

	s = DefaultConnectSettings()
	s.FileTransferEnabled = true
	assert.Error(t, s.Validate())
	s.SetFileStorageToDefaultDir()
	assert.NoError(t, s.Validate())
}

// TestSettingsString verifies the summary contains the main fields
func TestSettingsString(t *testing.T) {
	s := DefaultServerSettings()
	s.ListenPort = 9000
	out := s.String()
	assert.True(t, strings.Contains(out, "0.0.0.0:9000"))
	assert.True(t, strings.Contains(out, "THREAD POOLS"))

	out = DefaultConnectSettings().String()
	assert.True(t, strings.Contains(out, "[1000000000, 1999999999]"))
}

// TestParseLogLevel checks the accepted level names
func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, logger.DEBUG, lvl)

	lvl, err = ParseLogLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, logger.WARNING, lvl)

	_, err = ParseLogLevel("verbose")
	assert.Error(t, err)
	assert.Error(t, InitLoggers("verbose"))
}
