package schema

import "errors"

var (
	// ErrTabNotConnected indicates the target tab id has no live agent connection.
	ErrTabNotConnected = errors.New("tab not connected")
	// ErrTabNotFound indicates a requested tab could not be found in the registry.
	ErrTabNotFound = errors.New("tab not found")
	// ErrCommandTimeout indicates a command was sent but no response arrived in time.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrUnknownTool indicates a tool name outside the dispatch catalog.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrUnknownSession indicates a session token that matches no live session.
	ErrUnknownSession = errors.New("unknown session")
	// ErrMissingSession indicates a follow-up request that carried no session identifier.
	ErrMissingSession = errors.New("missing session identifier")
	// ErrNotInitialized indicates a request on a session that has not completed handshake.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrAlreadyInitialized indicates a duplicate handshake on an initialized session.
	ErrAlreadyInitialized = errors.New("session already initialized")
	// ErrShuttingDown indicates the broker is draining and rejecting new work.
	ErrShuttingDown = errors.New("broker shutting down")
	// ErrNoActiveTab indicates no tab currently holds user focus.
	ErrNoActiveTab = errors.New("no active tab")
	// ErrLaunchTimeout indicates a spawned browser window never registered a tab.
	ErrLaunchTimeout = errors.New("new tab did not register in time")
)
