// Package mapping translates relational identifiers into chain-native ids through
// stable natural keys: election start time, candidate student id, and the
// president/VP student id pair of a ticket.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"votebridge/chain"
	"votebridge/models"
	"votebridge/registry"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

const defaultCacheSize = 1024

// ChainReader is the subset of the chain client the resolver queries.
type ChainReader interface {
	ElectionCount(ctx context.Context) (*big.Int, error)
	ElectionDetails(ctx context.Context, electionID *big.Int) (*chain.ElectionDetails, error)
	CandidateIDByStudentID(ctx context.Context, studentID string) (*big.Int, error)
	TicketIDByStudentIDs(ctx context.Context, presidentStudentID, vpStudentID string) (*big.Int, error)
}

// Registrar registers a candidate on the chain. Its result is advisory: the
// resolver re-queries by student id after every attempt.
type Registrar interface {
	RegisterCandidate(ctx context.Context, studentID string) error
}

type entry struct {
	mapping  models.IdentityMapping
	election *models.ElectionMapping
}

// Resolver resolves and caches identity mappings. The cache is process-local and
// may be dropped at any time.
type Resolver struct {
	registry  registry.Registry
	chain     ChainReader
	registrar Registrar
	cache     *lru.Cache
	group     singleflight.Group
	logger    *slog.Logger

	mu         sync.Mutex
	aliases    map[string]string // relational alias -> cache key
	generation uint64            // bumped by Invalidate and Purge
}

type Option func(*Resolver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRegistrar(registrar Registrar) Option {
	return func(r *Resolver) {
		r.registrar = registrar
	}
}

// WithCacheSize bounds the number of cached mappings.
func WithCacheSize(size int) Option {
	return func(r *Resolver) {
		if size > 0 {
			r.cache, _ = lru.New(size)
		}
	}
}

func NewResolver(reg registry.Registry, reader ChainReader, opts ...Option) *Resolver {
	cache, _ := lru.New(defaultCacheSize)
	r := &Resolver{
		registry: reg,
		chain:    reader,
		cache:    cache,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		aliases:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(kind models.EntityKind, naturalKey string) string {
	return string(kind) + ":" + naturalKey
}

func aliasKey(kind models.EntityKind, relationalID int64) string {
	return string(kind) + "#" + strconv.FormatInt(relationalID, 10)
}

func (r *Resolver) lookupAlias(kind models.EntityKind, relationalID int64) (*entry, bool) {
	r.mu.Lock()
	key, ok := r.aliases[aliasKey(kind, relationalID)]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	v, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// snapshot returns the generation a resolution starts under. Results read under
// an older generation are returned to their caller but never cached.
func (r *Resolver) snapshot() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

func (r *Resolver) store(e *entry, relationalID int64, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation {
		r.logger.Debug("discarding mapping resolved before an invalidation", "kind", e.mapping.Kind, "natural_key", e.mapping.NaturalKey)
		return
	}
	r.cache.Add(cacheKey(e.mapping.Kind, e.mapping.NaturalKey), e)
	if relationalID > 0 {
		r.aliases[aliasKey(e.mapping.Kind, relationalID)] = cacheKey(e.mapping.Kind, e.mapping.NaturalKey)
	}
}

func (r *Resolver) alias(kind models.EntityKind, relationalID int64, naturalKey string, gen uint64) {
	if relationalID <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation {
		return
	}
	r.aliases[aliasKey(kind, relationalID)] = cacheKey(kind, naturalKey)
}

// Invalidate drops the mapping for (kind, naturalKey) and every relational alias
// pointing at it. No lookup serves the entry once Invalidate returns, including
// one resolved by a call that was already in flight.
func (r *Resolver) Invalidate(kind models.EntityKind, naturalKey string) {
	key := cacheKey(kind, naturalKey)

	r.mu.Lock()
	r.generation++
	for alias, target := range r.aliases {
		if target == key {
			delete(r.aliases, alias)
		}
	}
	r.cache.Remove(key)
	r.mu.Unlock()

	r.logger.Info("mapping invalidated", "kind", kind, "natural_key", naturalKey)
}

// Purge drops every cached mapping.
func (r *Resolver) Purge() {
	r.mu.Lock()
	r.generation++
	r.aliases = make(map[string]string)
	r.cache.Purge()
	r.mu.Unlock()
}

func (r *Resolver) Len() int {
	return r.cache.Len()
}

// ResolveElection maps a relational election to its chain id. An explicit
// blockchain id on the row wins; otherwise the chain is searched by start time.
// An election that cannot be located fails with KindNotDeployed.
func (r *Resolver) ResolveElection(ctx context.Context, relationalID int64) (*models.ElectionMapping, error) {
	if e, ok := r.lookupAlias(models.EntityElection, relationalID); ok {
		out := copyElection(e.election)
		out.RelationalID = relationalID
		return out, nil
	}

	gen := r.snapshot()
	rec, err := r.registry.GetElection(ctx, relationalID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, models.NewVoteError(models.KindNotFound, err)
		}
		return nil, models.NewVoteError(models.KindServerError, err)
	}

	var em *models.ElectionMapping
	if rec.BlockchainID != nil && *rec.BlockchainID > 0 {
		em = &models.ElectionMapping{
			ChainID:    big.NewInt(*rec.BlockchainID),
			StartTime:  rec.StartDate,
			Kind:       rec.Type,
			IsDeployed: true,
		}
		r.store(&entry{
			mapping: models.IdentityMapping{
				Kind:       models.EntityElection,
				NaturalKey: models.ElectionNaturalKey(rec.StartDate),
				ChainID:    em.ChainID,
				IsDeployed: true,
			},
			election: em,
		}, relationalID, gen)
	} else {
		em, err = r.resolveElectionByStartTime(ctx, rec.StartDate, gen)
		if err != nil {
			return nil, err
		}
		r.alias(models.EntityElection, relationalID, models.ElectionNaturalKey(rec.StartDate), gen)
	}

	out := copyElection(em)
	out.RelationalID = relationalID
	return out, nil
}

// ResolveElectionByStartTime finds the chain election created with startTime.
// It never falls back to a positional guess.
func (r *Resolver) ResolveElectionByStartTime(ctx context.Context, startTime time.Time) (*models.ElectionMapping, error) {
	return r.resolveElectionByStartTime(ctx, startTime, r.snapshot())
}

func (r *Resolver) resolveElectionByStartTime(ctx context.Context, startTime time.Time, gen uint64) (*models.ElectionMapping, error) {
	naturalKey := models.ElectionNaturalKey(startTime)
	if v, ok := r.cache.Get(cacheKey(models.EntityElection, naturalKey)); ok {
		return copyElection(v.(*entry).election), nil
	}

	count, err := r.chain.ElectionCount(ctx)
	if err != nil {
		return nil, models.NewVoteError(chain.Classify(err), fmt.Errorf("failed to read election count: %w", err))
	}

	// Chain ids are 1-based; newer elections are the likelier match.
	for i := count.Int64(); i >= 1; i-- {
		details, err := r.chain.ElectionDetails(ctx, big.NewInt(i))
		if err != nil {
			return nil, models.NewVoteError(chain.Classify(err), fmt.Errorf("failed to read election %d: %w", i, err))
		}
		if details.StartTime.Unix() != startTime.Unix() {
			continue
		}

		kind := models.ElectionSenatorial
		if details.IsPresidential {
			kind = models.ElectionPresidential
		}
		em := &models.ElectionMapping{
			ChainID:    details.ID,
			StartTime:  details.StartTime,
			Kind:       kind,
			IsDeployed: true,
		}
		r.store(&entry{
			mapping: models.IdentityMapping{
				Kind:       models.EntityElection,
				NaturalKey: naturalKey,
				ChainID:    details.ID,
				IsDeployed: true,
			},
			election: em,
		}, 0, gen)
		r.logger.Debug("election resolved", "natural_key", naturalKey, "chain_id", details.ID)
		return copyElection(em), nil
	}

	return nil, models.NewVoteError(models.KindNotDeployed, fmt.Errorf("no chain election starts at %s", naturalKey))
}

// ResolveCandidate maps a student id to a chain candidate id. With
// registerIfMissing set, a missing candidate is registered once per key across
// concurrent callers and then looked up again.
func (r *Resolver) ResolveCandidate(ctx context.Context, studentID string, registerIfMissing bool) (*big.Int, error) {
	return r.resolveCandidate(ctx, studentID, registerIfMissing, 0, r.snapshot())
}

func (r *Resolver) resolveCandidate(ctx context.Context, studentID string, registerIfMissing bool, relationalID int64, gen uint64) (*big.Int, error) {
	if v, ok := r.cache.Get(cacheKey(models.EntityCandidate, studentID)); ok {
		r.alias(models.EntityCandidate, relationalID, studentID, gen)
		return new(big.Int).Set(v.(*entry).mapping.ChainID), nil
	}

	id, err := r.lookupCandidate(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if id != nil {
		r.storeChoice(models.EntityCandidate, studentID, id, relationalID, gen)
		return id, nil
	}

	if !registerIfMissing || r.registrar == nil {
		return nil, models.NewVoteError(models.KindNotFound, fmt.Errorf("candidate %s is not registered on chain", studentID))
	}

	v, err, _ := r.group.Do(studentID, func() (interface{}, error) {
		if id, err := r.lookupCandidate(ctx, studentID); err != nil || id != nil {
			return id, err
		}
		if regErr := r.registrar.RegisterCandidate(ctx, studentID); regErr != nil {
			// A concurrent registration by someone else also lands here.
			r.logger.Warn("candidate registration failed, re-querying", "student_id", studentID, "error", regErr)
		}
		id, err := r.lookupCandidate(ctx, studentID)
		if err != nil {
			return nil, err
		}
		if id == nil {
			return nil, models.NewVoteError(models.KindNotFound, fmt.Errorf("candidate %s still missing after registration", studentID))
		}
		return id, nil
	})
	if err != nil {
		return nil, err
	}

	id = v.(*big.Int)
	r.storeChoice(models.EntityCandidate, studentID, id, relationalID, gen)
	return new(big.Int).Set(id), nil
}

func (r *Resolver) lookupCandidate(ctx context.Context, studentID string) (*big.Int, error) {
	id, err := r.chain.CandidateIDByStudentID(ctx, studentID)
	if err != nil {
		return nil, models.NewVoteError(chain.Classify(err), fmt.Errorf("failed to look up candidate %s: %w", studentID, err))
	}
	if id == nil || id.Sign() == 0 {
		return nil, nil
	}
	return id, nil
}

// ResolveTicket maps a president/VP pair to a chain ticket id.
func (r *Resolver) ResolveTicket(ctx context.Context, presidentStudentID, vpStudentID string) (*big.Int, error) {
	return r.resolveTicket(ctx, presidentStudentID, vpStudentID, 0, r.snapshot())
}

func (r *Resolver) resolveTicket(ctx context.Context, presidentStudentID, vpStudentID string, relationalID int64, gen uint64) (*big.Int, error) {
	naturalKey := models.TicketKey(presidentStudentID, vpStudentID)
	if v, ok := r.cache.Get(cacheKey(models.EntityTicket, naturalKey)); ok {
		r.alias(models.EntityTicket, relationalID, naturalKey, gen)
		return new(big.Int).Set(v.(*entry).mapping.ChainID), nil
	}

	id, err := r.chain.TicketIDByStudentIDs(ctx, presidentStudentID, vpStudentID)
	if err != nil {
		return nil, models.NewVoteError(chain.Classify(err), fmt.Errorf("failed to look up ticket: %w", err))
	}
	if id == nil || id.Sign() == 0 {
		return nil, models.NewVoteError(models.KindNotFound,
			fmt.Errorf("no ticket for president %s and vice president %s", presidentStudentID, vpStudentID))
	}

	r.storeChoice(models.EntityTicket, naturalKey, id, relationalID, gen)
	return id, nil
}

func (r *Resolver) storeChoice(kind models.EntityKind, naturalKey string, id *big.Int, relationalID int64, gen uint64) {
	r.store(&entry{
		mapping: models.IdentityMapping{
			Kind:       kind,
			NaturalKey: naturalKey,
			ChainID:    new(big.Int).Set(id),
			IsDeployed: true,
		},
	}, relationalID, gen)
}

// ResolveChoice maps the relational candidate (senatorial) or ticket
// (presidential) id chosen by a voter to its chain id.
func (r *Resolver) ResolveChoice(ctx context.Context, election *models.ElectionMapping, choiceID int64, registerIfMissing bool) (*big.Int, error) {
	kind := models.EntityCandidate
	if election.Kind == models.ElectionPresidential {
		kind = models.EntityTicket
	}
	if e, ok := r.lookupAlias(kind, choiceID); ok {
		return new(big.Int).Set(e.mapping.ChainID), nil
	}

	gen := r.snapshot()
	if kind == models.EntityTicket {
		ticket, err := r.registry.GetTicket(ctx, choiceID)
		if err != nil {
			return nil, registryError(err)
		}
		return r.resolveTicket(ctx, ticket.PresidentStudentID, ticket.VPStudentID, choiceID, gen)
	}

	candidate, err := r.registry.GetCandidate(ctx, choiceID)
	if err != nil {
		return nil, registryError(err)
	}
	return r.resolveCandidate(ctx, candidate.StudentID, registerIfMissing, choiceID, gen)
}

func registryError(err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return models.NewVoteError(models.KindNotFound, err)
	}
	return models.NewVoteError(models.KindServerError, err)
}

func copyElection(em *models.ElectionMapping) *models.ElectionMapping {
	cp := *em
	if em.ChainID != nil {
		cp.ChainID = new(big.Int).Set(em.ChainID)
	}
	return &cp
}
