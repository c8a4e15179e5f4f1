package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// electionABI is the interface of the deployed election program.
const electionABI = `[
 {"type":"function","name":"getElectionCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getElectionDetails","stateMutability":"view","inputs":[{"name":"electionId","type":"uint256"}],"outputs":[{"name":"name","type":"string"},{"name":"startTime","type":"uint256"},{"name":"endTime","type":"uint256"},{"name":"status","type":"uint8"},{"name":"isPresidential","type":"bool"}]},
 {"type":"function","name":"getElectionCandidates","stateMutability":"view","inputs":[{"name":"electionId","type":"uint256"}],"outputs":[{"name":"","type":"uint256[]"}]},
 {"type":"function","name":"getElectionTickets","stateMutability":"view","inputs":[{"name":"electionId","type":"uint256"}],"outputs":[{"name":"","type":"uint256[]"}]},
 {"type":"function","name":"getCandidateVoteCount","stateMutability":"view","inputs":[{"name":"electionId","type":"uint256"},{"name":"candidateId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getTicketVoteCount","stateMutability":"view","inputs":[{"name":"electionId","type":"uint256"},{"name":"ticketId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"checkIfVoted","stateMutability":"view","inputs":[{"name":"electionId","type":"uint256"},{"name":"voter","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getNextNonce","stateMutability":"view","inputs":[{"name":"voter","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getCandidateIdByStudentId","stateMutability":"view","inputs":[{"name":"studentId","type":"string"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getTicketIdByStudentIds","stateMutability":"view","inputs":[{"name":"presidentStudentId","type":"string"},{"name":"vpStudentId","type":"string"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"voteForSenator","stateMutability":"nonpayable","inputs":[{"name":"electionId","type":"uint256"},{"name":"candidateId","type":"uint256"},{"name":"nonce","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"voteForPresidentVP","stateMutability":"nonpayable","inputs":[{"name":"electionId","type":"uint256"},{"name":"ticketId","type":"uint256"},{"name":"nonce","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"registerCandidate","stateMutability":"nonpayable","inputs":[{"name":"studentId","type":"string"}],"outputs":[]},
 {"type":"function","name":"registerVoter","stateMutability":"nonpayable","inputs":[{"name":"voter","type":"address"}],"outputs":[]},
 {"type":"function","name":"registerVotersBatch","stateMutability":"nonpayable","inputs":[{"name":"voters","type":"address[]"}],"outputs":[]},
 {"type":"function","name":"updateElectionStatus","stateMutability":"nonpayable","inputs":[{"name":"electionId","type":"uint256"},{"name":"status","type":"uint8"}],"outputs":[]}
]`

const (
	methodElectionCount       = "getElectionCount"
	methodElectionDetails     = "getElectionDetails"
	methodElectionCandidates  = "getElectionCandidates"
	methodElectionTickets     = "getElectionTickets"
	methodCandidateVoteCount  = "getCandidateVoteCount"
	methodTicketVoteCount     = "getTicketVoteCount"
	methodCheckIfVoted        = "checkIfVoted"
	methodNextNonce           = "getNextNonce"
	methodCandidateByStudent  = "getCandidateIdByStudentId"
	methodTicketByStudents    = "getTicketIdByStudentIds"
	methodVoteForSenator      = "voteForSenator"
	methodVoteForPresidentVP  = "voteForPresidentVP"
	methodRegisterCandidate   = "registerCandidate"
	methodRegisterVoter       = "registerVoter"
	methodRegisterVotersBatch = "registerVotersBatch"
	methodUpdateStatus        = "updateElectionStatus"
)

// ElectionABI returns the parsed program interface.
func ElectionABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(electionABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse election abi: %w", err)
	}
	return parsed, nil
}
