// Package registry reads elections, candidates and tickets from the relational
// ledger-of-record.
package registry

import (
	"context"
	"errors"

	"votebridge/models"
)

var ErrNotFound = errors.New("registry: record not found")

// Registry is the read side of the ledger-of-record used by the vote engine.
type Registry interface {
	GetElection(ctx context.Context, id int64) (*models.ElectionRecord, error)
	GetCandidate(ctx context.Context, id int64) (*models.CandidateRecord, error)
	ElectionCandidates(ctx context.Context, electionID int64) ([]models.CandidateRecord, error)
	GetTicket(ctx context.Context, id int64) (*models.TicketRecord, error)
}
