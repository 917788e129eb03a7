package transaction

import "time"

// State is a transaction state per RFC 3261 §17. Client and server
// transactions share the same numeric space; not every state applies to
// both machines (StateTrying and StateConfirmed are server-only).
type State int32

const (
	StateCalling State = iota
	StateTrying
	StateProceeding
	StateCompleted
	StateConfirmed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "Calling"
	case StateTrying:
		return "Trying"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// RFC 3261 §17.1.1.2 / §17.1.2.2 / §17.2.1 / §17.2.2 timer values.
// T1 is the estimated round-trip time; T2 is the maximum retransmit
// interval for non-INVITE requests and INVITE responses; T4 is the
// maximum lifetime a message can remain in the network.
const (
	T1 = 500 * time.Millisecond
	T2 = 4 * time.Second
	T4 = 5 * time.Second

	// TimerB: INVITE transaction timeout, 64*T1.
	TimerB = 64 * T1
	// TimerD: wait time for response retransmits after an INVITE
	// client transaction moves to Completed. At least 32s over
	// unreliable transport; reliable transports skip it entirely.
	TimerD         = 32 * time.Second
	TimerDReliable = 0 * time.Second

	// TimerF: non-INVITE transaction timeout, 64*T1.
	TimerF = 64 * T1
	// TimerK: wait time in Completed for a non-INVITE client
	// transaction to absorb response retransmits. T4 over unreliable
	// transport, immediate over reliable.
	TimerK         = T4
	TimerKReliable = 0 * time.Second

	// TimerH: wait time for a server INVITE transaction to receive
	// the ACK that concludes a non-2xx final response, 64*T1.
	TimerH = 64 * T1
	// TimerI: wait time in Confirmed to absorb ACK retransmits. T4
	// over unreliable transport, immediate over reliable.
	TimerI         = T4
	TimerIReliable = 0 * time.Second

	// TimerJ: wait time in Completed for a non-INVITE server
	// transaction to absorb request retransmits. 64*T1 over
	// unreliable transport, immediate over reliable.
	TimerJ = 64 * T1
)
