package disco

import (
	"context"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard
	os.Exit(m.Run())
}

func nopCommand(context.Context, *CommandContext) error {
	return nil
}

func TestShortenString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", shortenString("short", 10))
	assert.Equal(t, "a\nb", shortenString("a\n\nb", 3))
	assert.Equal(t, "bold", shortenString("**bold**", 4))

	long := strings.Repeat("x", 100)
	s := shortenString(long, 50)
	assert.LessOrEqual(t, len([]rune(s)), 50)
	assert.True(t, strings.HasSuffix(s, "**(output limit reached)**"))

	assert.Equal(t, "xxxxx", shortenString(long, 5))
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "héllo", truncate("héllo wörld", 5))
	assert.Equal(t, "hi", truncate("hi", 5))
}

func TestChunkItems(t *testing.T) {
	t.Parallel()

	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunkItems(2, 1, 2, 3, 4, 5))
	assert.Empty(t, chunkItems[int](3))
	assert.Equal(t, [][]string{{"a"}}, chunkItems(5, "a"))
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()

	type inner struct {
		Name string `json:"name"`
	}
	type sample struct {
		Secret  string `json:"secret" log:"[redacted]"`
		Public  string `json:"public,omitempty"`
		Empty   string `json:"empty"`
		Nested  *inner `json:"nested"`
		Missing *inner
		Level   *slog.LevelVar `json:"level"`
		hidden  string
	}
	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelWarn)

	v := structToSlogValue(
		&sample{
			Secret: "hunter2",
			Public: "visible",
			Nested: &inner{Name: "n"},
			Level:  lvl,
			hidden: "x",
		},
	)
	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}

	assert.Equal(t, "[redacted]", attrs["secret"].String())
	assert.Equal(t, "visible", attrs["public"].String())
	assert.Equal(t, "WARN", attrs["level"].String())
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs, "Missing")
	assert.NotContains(t, attrs, "hidden")
	assert.Equal(t, slog.KindGroup, attrs["nested"].Kind())
	assert.Equal(t, "n", attrs["nested"].Group()[0].Value.String())

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nil))
	var nilSample *sample
	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nilSample))
	assert.Equal(t, int64(5), structToSlogValue(5).Int64())
}

func TestContextLogger(t *testing.T) {
	t.Parallel()

	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	got, ok := ContextLogger(WithLogger(context.Background(), logger))
	assert.True(t, ok)
	assert.Same(t, logger, got)

	got, ok = ContextLogger(WithLogger(context.Background(), nil))
	assert.True(t, ok)
	assert.NotNil(t, got)
}

func TestDiscordgoLogLevel(t *testing.T) {
	t.Parallel()

	for dgLevel, level := range discordGoLogLevels {
		assert.Equal(t, dgLevel, discordgoLogLevel(level))
	}
}
