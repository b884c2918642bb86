package diag

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nmxmxh/hardguard/kernel/alloc/obslog"
)

func TestReport_WritesIncidentAndReturnsATag(t *testing.T) {
	var buf bytes.Buffer
	logger := obslog.New(obslog.Config{Component: "test", Output: &buf})

	tag := Report(logger, "canary-violation", 0xdeadbeef, "trailer byte mismatch")

	assert.NotEmpty(t, tag)
	out := buf.String()
	assert.True(t, strings.Contains(out, tag))
	assert.True(t, strings.Contains(out, "canary-violation"))
	assert.True(t, strings.Contains(out, "0xdeadbeef"))
}

func TestReport_TagsAreUnpredictableAcrossCalls(t *testing.T) {
	var buf bytes.Buffer
	logger := obslog.New(obslog.Config{Component: "test", Output: &buf})

	tag1 := Report(logger, "double-free", 1, "x")
	tag2 := Report(logger, "double-free", 1, "x")
	assert.NotEqual(t, tag1, tag2)
}
