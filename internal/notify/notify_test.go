package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/docket-harvester/internal/clock/fake"
	"github.com/JakeFAU/docket-harvester/internal/harvest"
	"github.com/JakeFAU/docket-harvester/internal/storage/local"
)

var ts = time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)

type published struct {
	topic   string
	payload any
}

type fakePublisher struct {
	msgs []published
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.msgs = append(p.msgs, published{topic: topic, payload: payload})
	return "msg-1", nil
}

type recorder struct {
	msgs []Message
	err  error
}

func (r *recorder) Notify(_ context.Context, msg Message) error {
	r.msgs = append(r.msgs, msg)
	return r.err
}

func TestFileNotifierWritesHandOffFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	n, err := NewFile(store, "")
	require.NoError(t, err)

	r := NewReporter(n, fake.New(ts), nil)
	r.Start(context.Background(), "run")
	r.Error(context.Background(), "browser crashed")

	data, err := os.ReadFile(filepath.Join(dir, DefaultFileName))
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "error", got["level"])
	assert.Equal(t, "❌ ERROR: browser crashed", got["message"], "only the latest message is kept")
	assert.Equal(t, "2024-06-10T08:00:00Z", got["timestamp"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files are left behind")
}

func TestPublisherNotifier(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	n, err := NewPublisher(pub, "harvester-status")
	require.NoError(t, err)
	r := NewReporter(n, fake.New(ts), nil)
	r.Limits(context.Background(), harvest.QuotaInfo{DayLimit: 500, DayUsed: 120})

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "harvester-status", pub.msgs[0].topic)
	msg, ok := pub.msgs[0].payload.(Message)
	require.True(t, ok)
	assert.Equal(t, LevelInfo, msg.Level)
	assert.Contains(t, msg.Text, "Remaining: 380")

	_, err = NewPublisher(nil, "x")
	require.Error(t, err)
	_, err = NewFile(nil, "")
	require.Error(t, err)
}

func TestFinishLevelAndFormat(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	r := NewReporter(rec, fake.New(ts), nil)
	r.Finish(context.Background(), RunStats{MetadataItems: 23, Downloaded: 5, RequestsUsed: 4, Duration: 90 * time.Second})
	r.Finish(context.Background(), RunStats{Errors: 2})

	require.Len(t, rec.msgs, 2)
	assert.Equal(t, LevelSuccess, rec.msgs[0].Level)
	assert.True(t, strings.HasPrefix(rec.msgs[0].Text, "✅ Harvester finished"))
	assert.Contains(t, rec.msgs[0].Text, "• Metadata collected: 23")
	assert.Contains(t, rec.msgs[0].Text, "• Duration: 1.5 min")
	assert.Equal(t, LevelWarning, rec.msgs[1].Level)
}

func TestReporterSwallowsDeliveryErrors(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	rec := &recorder{err: errors.New("disk full")}
	r := NewReporter(rec, fake.New(ts), zap.New(core))

	r.Progress(context.Background(), "Downloading 10 PDFs")
	assert.Equal(t, 1, logs.FilterMessage("Failed to deliver notification").Len())

	var nilReporter *Reporter
	nilReporter.Warn(context.Background(), "ignored")
	NewReporter(nil, fake.New(ts), nil).Warn(context.Background(), "ignored")
}

func TestMultiJoinsErrors(t *testing.T) {
	t.Parallel()

	a, b := &recorder{}, &recorder{err: errors.New("b down")}
	calls := 0
	m := Multi{a, nil, b, Func(func(context.Context, Message) error { calls++; return nil })}

	err := m.Notify(context.Background(), Message{Text: "x"})
	require.ErrorContains(t, err, "b down")
	assert.Len(t, a.msgs, 1)
	assert.Len(t, b.msgs, 1)
	assert.Equal(t, 1, calls)
}

func TestEmojiFallback(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "🏁", Emoji(LevelFinish))
	assert.Equal(t, Emoji(LevelInfo), Emoji(Level("debug")))
}
