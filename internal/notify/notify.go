// Package notify hands short status messages to an external relay. Delivery is best
// effort: failures are logged and never interrupt the pipeline.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
)

// Level is the severity of a message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
	LevelStart   Level = "start"
	LevelFinish  Level = "finish"
	LevelStats   Level = "stats"
)

var emoji = map[Level]string{
	LevelInfo:    "ℹ️",
	LevelWarning: "⚠️",
	LevelError:   "❌",
	LevelSuccess: "✅",
	LevelStart:   "🚀",
	LevelFinish:  "🏁",
	LevelStats:   "📊",
}

// Emoji returns the prefix the relay shows for level.
func Emoji(level Level) string {
	if e, ok := emoji[level]; ok {
		return e
	}
	return emoji[LevelInfo]
}

// Message is the hand-off record read by the relay.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"message"`
	Level     Level     `json:"level"`
}

// Notifier delivers one message.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, msg Message) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

// Notify fans msg out.
func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunStats is the end-of-run summary sent by Finish.
type RunStats struct {
	MetadataItems int
	Downloaded    int
	Errors        int
	RequestsUsed  int
	Duration      time.Duration
}

// Reporter formats pipeline events into messages. It is fire-and-forget: delivery
// errors are logged and swallowed.
type Reporter struct {
	notifier Notifier
	clock    harvest.Clock
	logger   *zap.Logger
}

// NewReporter creates a Reporter. A nil notifier yields a Reporter that only logs.
func NewReporter(notifier Notifier, clock harvest.Clock, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{notifier: notifier, clock: clock, logger: logger}
}

// Send formats text with the level emoji and delivers it.
func (r *Reporter) Send(ctx context.Context, level Level, text string) {
	if r == nil || r.notifier == nil {
		return
	}
	msg := Message{
		Timestamp: r.clock.Now(),
		Text:      Emoji(level) + " " + text,
		Level:     level,
	}
	if err := r.notifier.Notify(ctx, msg); err != nil {
		r.logger.Warn("Failed to deliver notification", zap.String("level", string(level)), zap.Error(err))
		return
	}
	r.logger.Debug("Notification sent", zap.String("level", string(level)), zap.String("text", text))
}

// Start announces a run.
func (r *Reporter) Start(ctx context.Context, mode string) {
	r.Send(ctx, LevelStart, fmt.Sprintf("Harvester started (%s)", mode))
}

// Finish sends the run statistics. The level is success without errors, warning otherwise.
func (r *Reporter) Finish(ctx context.Context, s RunStats) {
	var b strings.Builder
	b.WriteString("Harvester finished\n\n")
	b.WriteString(Emoji(LevelStats) + " Statistics:\n")
	fmt.Fprintf(&b, "• Metadata collected: %d\n", s.MetadataItems)
	fmt.Fprintf(&b, "• PDFs downloaded: %d\n", s.Downloaded)
	fmt.Fprintf(&b, "• Errors: %d\n", s.Errors)
	fmt.Fprintf(&b, "• Requests used: %d\n", s.RequestsUsed)
	fmt.Fprintf(&b, "• Duration: %.1f min", s.Duration.Minutes())

	level := LevelSuccess
	if s.Errors > 0 {
		level = LevelWarning
	}
	r.Send(ctx, level, b.String())
}

// Error reports a failure.
func (r *Reporter) Error(ctx context.Context, text string) {
	r.Send(ctx, LevelError, "ERROR: "+text)
}

// Limits reports the remote quota.
func (r *Reporter) Limits(ctx context.Context, q harvest.QuotaInfo) {
	r.Send(ctx, LevelInfo, fmt.Sprintf("API limits:\n• Total: %d\n• Used: %d\n• Remaining: %d",
		q.DayLimit, q.DayUsed, q.Remaining()))
}

// Progress reports an intermediate step.
func (r *Reporter) Progress(ctx context.Context, text string) {
	r.Send(ctx, LevelInfo, text)
}

// Warn reports a non-fatal condition.
func (r *Reporter) Warn(ctx context.Context, text string) {
	r.Send(ctx, LevelWarning, text)
}
