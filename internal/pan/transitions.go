package pan

// transition is one row of the state table: run action, then move to next.
// next equal to the current state means no exit/entry actions run.
type transition struct {
	action func(*StateMachine, Message)
	next   State
}

var transitions = map[State]map[EventKind]transition{
	StateDisconnected: {
		EventInternalOpen: {(*StateMachine).processOpenEvent, StateConnecting},
		EventOpenComplete: {nil, StateConnected},
	},
	StateConnecting: {
		EventAPIClose:      {(*StateMachine).AddDeferredMessage, StateConnecting},
		EventInternalOpen:  {(*StateMachine).processOpenEvent, StateConnecting},
		EventInternalClose: {(*StateMachine).processCloseEvent, StateDisconnected},
		EventOpenComplete:  {(*StateMachine).processOpenComplete, StateConnected},
	},
	StateDisconnecting: {
		EventInternalOpen:         {(*StateMachine).processOpenEvent, StateConnecting},
		EventInternalClose:        {(*StateMachine).processCloseEvent, StateDisconnected},
		EventOpenComplete:         {nil, StateConnected},
		EventDisconnectionTimeout: {nil, StateConnected},
	},
	StateConnected: {
		EventAPIClose:      {(*StateMachine).processCloseReqEvent, StateDisconnecting},
		EventInternalClose: {(*StateMachine).processCloseEvent, StateDisconnected},
		EventAPIWriteData:  {(*StateMachine).processSendData, StateConnected},
		EventInternalData:  {(*StateMachine).processReceiveData, StateConnected},
	},
}

// Accepts reports whether state s handles events of kind k.
func Accepts(s State, k EventKind) bool {
	_, ok := transitions[s][k]
	return ok
}
