package service

import (
	"context"
	"io"
	"log/slog"

	"votebridge/events"
	"votebridge/models"
)

// Journal records terminal outcomes.
type Journal interface {
	Append(entry *models.JournalEntry) error
}

type nopJournal struct{}

func (nopJournal) Append(*models.JournalEntry) error { return nil }

// observers are the side channels every engine component reports to.
type observers struct {
	logger    *slog.Logger
	publisher events.Publisher
	metrics   *MetricsCollector
	journal   Journal
}

type Option func(*observers)

func WithLogger(logger *slog.Logger) Option {
	return func(o *observers) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithPublisher(publisher events.Publisher) Option {
	return func(o *observers) {
		if publisher != nil {
			o.publisher = publisher
		}
	}
}

func WithMetrics(metrics *MetricsCollector) Option {
	return func(o *observers) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

func WithJournal(journal Journal) Option {
	return func(o *observers) {
		if journal != nil {
			o.journal = journal
		}
	}
}

func newObservers(opts []Option) observers {
	o := observers{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		publisher: events.NopPublisher{},
		metrics:   NewMetricsCollector(),
		journal:   nopJournal{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// record journals the entry and publishes it. Neither failure affects the vote.
func (o *observers) record(ctx context.Context, entry *models.JournalEntry, choiceID int64, voteCount string) {
	if err := o.journal.Append(entry); err != nil {
		o.logger.Error("failed to journal outcome",
			"attempt_id", entry.AttemptID,
			"outcome", entry.Outcome,
			"error", err)
	}

	event := events.VoteEvent{
		AttemptID:  entry.AttemptID,
		VoterID:    entry.VoterID,
		ElectionID: entry.ElectionID,
		ChoiceID:   choiceID,
		Outcome:    entry.Outcome,
		TxHash:     entry.TxHash,
		ErrorKind:  entry.ErrorKind,
		VoteCount:  voteCount,
	}
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warn("failed to publish vote event",
			"attempt_id", entry.AttemptID,
			"outcome", entry.Outcome,
			"error", err)
	}
}
