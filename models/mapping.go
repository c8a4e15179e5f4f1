package models

import (
	"math/big"
	"strconv"
	"strings"
	"time"
)

type EntityKind string

const (
	EntityElection  EntityKind = "election"
	EntityCandidate EntityKind = "candidate"
	EntityTicket    EntityKind = "ticket"
)

func ParseEntityKind(s string) (EntityKind, bool) {
	switch k := EntityKind(strings.ToLower(strings.TrimSpace(s))); k {
	case EntityElection, EntityCandidate, EntityTicket:
		return k, true
	}
	return "", false
}

// ElectionKind selects which chain write a vote uses.
type ElectionKind string

const (
	ElectionSenatorial   ElectionKind = "senatorial"
	ElectionPresidential ElectionKind = "presidential"
)

// ticketKeySeparator never appears in a student id, so distinct pairs never collide.
const ticketKeySeparator = "\x1f"

// TicketKey builds the composite natural key of a president/VP ticket.
func TicketKey(presidentStudentID, vpStudentID string) string {
	return presidentStudentID + ticketKeySeparator + vpStudentID
}

// SplitTicketKey is the inverse of TicketKey.
func SplitTicketKey(key string) (string, string, bool) {
	president, vp, ok := strings.Cut(key, ticketKeySeparator)
	return president, vp, ok
}

// ElectionNaturalKey is the stable key of an election: its creation start time in unix seconds.
func ElectionNaturalKey(startTime time.Time) string {
	return strconv.FormatInt(startTime.Unix(), 10)
}

// IdentityMapping associates a natural key with a chain-native id.
type IdentityMapping struct {
	Kind       EntityKind `json:"kind"`
	NaturalKey string     `json:"natural_key"`
	ChainID    *big.Int   `json:"chain_id"`
	IsDeployed bool       `json:"is_deployed"`
}

// ElectionMapping is the resolved chain view of a relational election.
type ElectionMapping struct {
	RelationalID int64        `json:"relational_id"`
	ChainID      *big.Int     `json:"chain_id"`
	StartTime    time.Time    `json:"start_time"`
	Kind         ElectionKind `json:"kind"`
	IsDeployed   bool         `json:"is_deployed"`
}

// Ledger-of-record rows consumed by the engine.

type ElectionRecord struct {
	ID           int64        `json:"id"`
	Title        string       `json:"title"`
	StartDate    time.Time    `json:"startDate"`
	BlockchainID *int64       `json:"blockchainId,omitempty"`
	Type         ElectionKind `json:"type"`
}

type CandidateRecord struct {
	ID         int64  `json:"id"`
	StudentID  string `json:"studentId"`
	ElectionID int64  `json:"electionId"`
	Name       string `json:"name,omitempty"`
}

type TicketRecord struct {
	ID                 int64  `json:"id"`
	ElectionID         int64  `json:"electionId"`
	PresidentStudentID string `json:"presidentStudentId"`
	VPStudentID        string `json:"vpStudentId"`
}
