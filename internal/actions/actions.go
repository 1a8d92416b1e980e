// Package actions defines the closed action vocabulary the engine can
// dispatch, the read/write classification used by policy enforcement, and the
// automation levels and run modes that gate dispatch.
package actions

import (
	"fmt"
	"strings"
)

// Action is one entry of the closed action vocabulary.
type Action string

// The full action vocabulary. Playbook steps may only reference these.
const (
	IsolateHost           Action = "isolate_host"
	RestoreConnectivity   Action = "restore_connectivity"
	BlockIP               Action = "block_ip"
	UnblockIP             Action = "unblock_ip"
	BlockDomain           Action = "block_domain"
	UnblockDomain         Action = "unblock_domain"
	CollectLogs           Action = "collect_logs"
	QuerySIEM             Action = "query_siem"
	CollectNetworkTraffic Action = "collect_network_traffic"
	SnapshotMemory        Action = "snapshot_memory"
	CollectFileMetadata   Action = "collect_file_metadata"
	EnrichIOC             Action = "enrich_ioc"
	CheckReputation       Action = "check_reputation"
	QueryThreatFeed       Action = "query_threat_feed"
	CreateTicket          Action = "create_ticket"
	UpdateTicket          Action = "update_ticket"
	NotifyAnalyst         Action = "notify_analyst"
	NotifyOncall          Action = "notify_oncall"
	SendEmail             Action = "send_email"
	DisableAccount        Action = "disable_account"
	EnableAccount         Action = "enable_account"
	ResetPassword         Action = "reset_password"
	RevokeSession         Action = "revoke_session"
	QuarantineFile        Action = "quarantine_file"
	RestoreFile           Action = "restore_file"
	DeleteFile            Action = "delete_file"
	CalculateHash         Action = "calculate_hash"
	KillProcess           Action = "kill_process"
	StartEDRScan          Action = "start_edr_scan"
	RetrieveEDRData       Action = "retrieve_edr_data"
	ExecuteScript         Action = "execute_script"
	HTTPRequest           Action = "http_request"
	Wait                  Action = "wait"
)

// all lists every action in vocabulary order.
var all = []Action{
	IsolateHost, RestoreConnectivity, BlockIP, UnblockIP, BlockDomain,
	UnblockDomain, CollectLogs, QuerySIEM, CollectNetworkTraffic,
	SnapshotMemory, CollectFileMetadata, EnrichIOC, CheckReputation,
	QueryThreatFeed, CreateTicket, UpdateTicket, NotifyAnalyst, NotifyOncall,
	SendEmail, DisableAccount, EnableAccount, ResetPassword, RevokeSession,
	QuarantineFile, RestoreFile, DeleteFile, CalculateHash, KillProcess,
	StartEDRScan, RetrieveEDRData, ExecuteScript, HTTPRequest, Wait,
}

var known = func() map[Action]struct{} {
	m := make(map[Action]struct{}, len(all))
	for _, a := range all {
		m[a] = struct{}{}
	}
	return m
}()

// All returns the vocabulary in a fresh slice.
func All() []Action {
	out := make([]Action, len(all))
	copy(out, all)
	return out
}

// Valid reports whether a names a known action.
func Valid(a Action) bool {
	_, ok := known[a]
	return ok
}

func (a Action) String() string { return string(a) }

// Level is the graduated autonomy level of a runbook or execution.
// L0 produces a checklist, L1 auto-runs reads and gates writes on approval,
// L2 simulates writes and queues them for promotion.
type Level string

const (
	L0 Level = "L0"
	L1 Level = "L1"
	L2 Level = "L2"
)

var levelRank = map[Level]int{L0: 0, L1: 1, L2: 2}

// ValidLevel reports whether s is a recognized automation level.
func ValidLevel(s string) bool {
	_, ok := levelRank[Level(s)]
	return ok
}

// ParseLevel accepts "L0"/"L1"/"L2" case-insensitively.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelRank[l]; !ok {
		return "", fmt.Errorf("unknown automation level %q", s)
	}
	return l, nil
}

// AtLeast reports whether l grants at least the rank of min.
func (l Level) AtLeast(min Level) bool {
	return levelRank[l] >= levelRank[min]
}

func (l Level) String() string { return string(l) }

// Mode selects how a step reaches (or avoids) external systems.
type Mode string

const (
	// ModeProduction performs the action for real.
	ModeProduction Mode = "production"
	// ModeSimulation synthesizes plausible output without external effect.
	ModeSimulation Mode = "simulation"
	// ModeDryRun validates parameters only.
	ModeDryRun Mode = "dry-run"
)

var modes = map[Mode]struct{}{
	ModeProduction: {},
	ModeSimulation: {},
	ModeDryRun:     {},
}

// ValidMode reports whether s is a recognized run mode.
func ValidMode(s string) bool {
	_, ok := modes[Mode(s)]
	return ok
}

// ParseMode accepts the three mode spellings, case-insensitively, plus the
// common "dryrun"/"dry_run" variants.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production":
		return ModeProduction, nil
	case "simulation":
		return ModeSimulation, nil
	case "dry-run", "dryrun", "dry_run":
		return ModeDryRun, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

func (m Mode) String() string { return string(m) }
