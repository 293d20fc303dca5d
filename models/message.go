package models

// MessageState is the position of a message in the delivery lifecycle.
type MessageState string

const (
	StateComposed  MessageState = "composed"
	StateSent      MessageState = "sent"
	StateDelivered MessageState = "delivered"
	StateErrored   MessageState = "errored"
	StateIncoming  MessageState = "incoming"
)

// Transition names the change applied to a message.
type Transition string

const (
	TransitionComposed     Transition = "composed"
	TransitionReceived     Transition = "received"
	TransitionSent         Transition = "sent"
	TransitionDelivered    Transition = "delivered"
	TransitionAcknowledged Transition = "acknowledged"
	TransitionErrored      Transition = "errored"
	TransitionRead         Transition = "read"
	TransitionSuperseded   Transition = "superseded"
)

// MessageStatus is the flag view a state is derived from.
type MessageStatus struct {
	Incoming     bool `json:"incoming"`
	Sent         bool `json:"sent"`
	Delivered    bool `json:"delivered"`
	Read         bool `json:"read"`
	Acknowledged bool `json:"acknowledged"`
	Error        bool `json:"error"`
	Offline      bool `json:"offline"`
	Archived     bool `json:"archived"`
	InProgress   bool `json:"in_progress"`
}

// StateOf derives the lifecycle state from message flags. Errored wins over
// every other outgoing state.
func StateOf(status MessageStatus) MessageState {
	switch {
	case status.Incoming:
		return StateIncoming
	case status.Error:
		return StateErrored
	case status.Delivered:
		return StateDelivered
	case status.Sent:
		return StateSent
	default:
		return StateComposed
	}
}

// MessageChange is published after a transition has been committed.
type MessageChange struct {
	MessageID  string        `json:"message_id"`
	Account    string        `json:"account"`
	Peer       string        `json:"peer"`
	Transition Transition    `json:"transition"`
	State      MessageState  `json:"state"`
	Status     MessageStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
}
