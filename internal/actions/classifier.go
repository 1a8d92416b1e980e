package actions

// Class partitions the vocabulary into observational and state-changing
// actions. Policy enforcement treats the two very differently: reads may run
// unattended at L1 while writes are approval-gated or simulated.
type Class int

const (
	// ClassRead actions observe external systems without changing them.
	ClassRead Class = iota
	// ClassWrite actions change external state.
	ClassWrite
)

func (c Class) String() string {
	if c == ClassRead {
		return "read"
	}
	return "write"
}

// readActions are queries, enrichments, notifications, tickets, waits,
// hashes, plain HTTP, and scan kickoffs.
var readActions = []Action{
	CollectLogs, QuerySIEM, CollectNetworkTraffic, SnapshotMemory,
	CollectFileMetadata, EnrichIOC, CheckReputation, QueryThreatFeed,
	CreateTicket, UpdateTicket, NotifyAnalyst, NotifyOncall, SendEmail,
	CalculateHash, StartEDRScan, RetrieveEDRData, HTTPRequest, Wait,
}

// writeActions change the state of hosts, networks, accounts, or files.
var writeActions = []Action{
	IsolateHost, RestoreConnectivity, BlockIP, UnblockIP, BlockDomain,
	UnblockDomain, DisableAccount, EnableAccount, ResetPassword,
	RevokeSession, QuarantineFile, RestoreFile, DeleteFile, KillProcess,
	ExecuteScript,
}

var classOf = func() map[Action]Class {
	m := make(map[Action]Class, len(readActions)+len(writeActions))
	for _, a := range readActions {
		m[a] = ClassRead
	}
	for _, a := range writeActions {
		m[a] = ClassWrite
	}
	return m
}()

// Classify returns the class of a. Unknown actions classify as write: an
// action the engine cannot place must be treated as state-changing.
func Classify(a Action) Class {
	if c, ok := classOf[a]; ok {
		return c
	}
	return ClassWrite
}

// IsWrite reports whether a is a state-changing action.
func IsWrite(a Action) bool {
	return Classify(a) == ClassWrite
}
