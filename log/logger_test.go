package log

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, debugOverride bool, filter *regexp.Regexp) (*Logger, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	ll := logrus.New()
	ll.SetOutput(&buf)
	ll.SetLevel(logrus.DebugLevel)
	return New(ll, debugOverride, filter), &buf
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		filter   string
		category string
		wantLog  bool
	}{
		{name: "no_filter", filter: "", category: "Bridge:execute", wantLog: true},
		{name: "match", filter: "^Bridge", category: "Bridge:execute", wantLog: true},
		{name: "no_match", filter: "^Sidecar", category: "Bridge:execute", wantLog: false},
		{name: "partial", filter: "execute", category: "Bridge:execute", wantLog: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var filter *regexp.Regexp
			if tt.filter != "" {
				filter = regexp.MustCompile(tt.filter)
			}
			l, buf := newTestLogger(t, false, filter)
			l.Debugf(tt.category, "hello %s", "world")
			if tt.wantLog {
				assert.Contains(t, buf.String(), "hello world")
				assert.Contains(t, buf.String(), tt.category)
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestLoggerDebugOverride(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ll := logrus.New()
	ll.SetOutput(&buf)
	ll.SetLevel(logrus.InfoLevel)

	l := New(ll, true, nil)
	l.Debugf("Test:override", "should appear")
	assert.Contains(t, buf.String(), "should appear")
	assert.True(t, l.DebugMode())
}

func TestLoggerSetLevel(t *testing.T) {
	t.Parallel()

	l := NewNullLogger()
	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.DebugMode())

	err := l.SetLevel("nonsense")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot parse log level")
}

func TestLoggerSetCategoryFilter(t *testing.T) {
	t.Parallel()

	l, buf := newTestLogger(t, false, nil)
	require.NoError(t, l.SetCategoryFilter("^Engine"))
	l.Infof("Bridge:execute", "dropped")
	l.Infof("Engine:run", "kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")

	require.Error(t, l.SetCategoryFilter("(unbalanced"))
	require.NoError(t, l.SetCategoryFilter(""))
	l.Infof("Bridge:execute", "visible again")
	assert.Contains(t, buf.String(), "visible again")
}

func TestNullLoggerDiscards(t *testing.T) {
	t.Parallel()

	l := NewNullLogger()
	l.Errorf("Test:null", "nobody sees this")
	assert.False(t, l.DebugMode())
}
