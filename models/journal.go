package models

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

type Outcome string

const (
	OutcomeConfirmed   Outcome = "confirmed"
	OutcomeFailed      Outcome = "failed"
	OutcomeCompensated Outcome = "compensated"
	OutcomeResetQueued Outcome = "reset_queued"
	OutcomeResetDone   Outcome = "reset_done"
	OutcomeResetSkip   Outcome = "reset_skipped"
)

// JournalEntry is one append-only record of a terminal attempt outcome or compensation.
type JournalEntry struct {
	Index      uint64    `json:"index"`
	Timestamp  int64     `json:"timestamp"`
	AttemptID  string    `json:"attempt_id"`
	VoterID    string    `json:"voter_id"`
	ElectionID int64     `json:"election_id"`
	Outcome    Outcome   `json:"outcome"`
	TxHash     string    `json:"tx_hash,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	PrevHash   []byte    `json:"prev_hash"`
	Hash       []byte    `json:"hash"`
}

// Seal links the entry to prev and computes its hash.
func (e *JournalEntry) Seal(index uint64, prevHash []byte) {
	e.Index = index
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	e.PrevHash = prevHash
	e.Hash = e.calculateHash()
}

func (e *JournalEntry) calculateHash() []byte {
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, e.Index)
	binary.Write(buffer, binary.BigEndian, e.Timestamp)
	buffer.WriteString(e.AttemptID)
	buffer.WriteString(e.VoterID)
	binary.Write(buffer, binary.BigEndian, e.ElectionID)
	buffer.WriteString(string(e.Outcome))
	buffer.WriteString(e.TxHash)
	buffer.WriteString(string(e.ErrorKind))
	buffer.Write(e.PrevHash)

	d := sha3.NewLegacyKeccak256()
	d.Write(buffer.Bytes())
	return d.Sum(nil)
}

func (e *JournalEntry) Validate() bool {
	return bytes.Equal(e.calculateHash(), e.Hash)
}

// ValidateJournal checks hashes, links and indexes of the whole journal.
func ValidateJournal(entries []*JournalEntry) error {
	for i, entry := range entries {
		if !entry.Validate() {
			return fmt.Errorf("entry %d has invalid hash", i)
		}
		if entry.Index != uint64(i) {
			return fmt.Errorf("entry %d has invalid index %d", i, entry.Index)
		}
		if i == 0 {
			continue
		}
		prev := entries[i-1]
		if !bytes.Equal(entry.PrevHash, prev.Hash) {
			return fmt.Errorf("entry %d has invalid previous hash link", i)
		}
		if entry.Timestamp < prev.Timestamp {
			return fmt.Errorf("entry %d has invalid timestamp", i)
		}
	}
	return nil
}

// PendingReset is a compensating reset whose first attempt failed.
type PendingReset struct {
	VoterID         string    `json:"voter_id"`
	ElectionID      int64     `json:"election_id"`
	ChainElectionID string    `json:"chain_election_id,omitempty"`
	VoterAddress    string    `json:"voter_address,omitempty"`
	Attempts        int       `json:"attempts"`
	LastError       string    `json:"last_error,omitempty"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
}

func (p *PendingReset) Key() string {
	return fmt.Sprintf("%s/%d", p.VoterID, p.ElectionID)
}
