package bletask

import "time"

// DefaultPriority returns the priority spec.md section 4.2 assigns a kind
// when the application (or an internal caller) hasn't overridden it.
func DefaultPriority(k Kind) Priority {
	switch k {
	case KindCrashResolver:
		return PriorityCritical
	case KindDisconnect, KindTurnBleOff:
		return PriorityCritical
	case KindConnect, KindTurnBleOn, KindTxnAuth, KindTxnInit:
		return PriorityHigh
	case KindBond:
		return PriorityExplicitBondingOnly
	case KindDiscoverServices, KindUnbond:
		return PriorityHigh
	case KindReliableWriteBegin, KindReliableWriteExecute, KindReliableWriteAbort:
		return PriorityHigh
	case KindTxnOta:
		return PriorityMedium
	case KindRead, KindWrite, KindNotify, KindReadDescriptor, KindWriteDescriptor:
		return PriorityMedium
	case KindSetMTU, KindSetPhy, KindReadPhy, KindSetConnectionPriority, KindReadRSSI:
		return PriorityLow
	case KindScan:
		return PriorityLow
	case KindForceRead:
		return PriorityLow
	case KindUserTxn:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// DefaultTimeout returns the per-kind deadline spec.md section 4.3
// describes as overridable by configuration. A zero result means no
// deadline: KindTxnOta chunk tasks get none, and KindForceRead tasks get
// theirs from the call site.
func DefaultTimeout(k Kind) time.Duration {
	switch k {
	case KindConnect:
		return 12 * time.Second
	case KindDiscoverServices:
		return 8 * time.Second
	case KindBond, KindUnbond:
		return 15 * time.Second
	case KindDisconnect, KindTurnBleOn, KindTurnBleOff:
		return 5 * time.Second
	case KindRead, KindReadDescriptor, KindReadRSSI, KindReadPhy:
		return 5 * time.Second
	case KindWrite, KindWriteDescriptor:
		return 5 * time.Second
	case KindNotify:
		return 5 * time.Second
	case KindSetMTU, KindSetPhy, KindSetConnectionPriority:
		return 5 * time.Second
	case KindReliableWriteBegin, KindReliableWriteExecute, KindReliableWriteAbort:
		return 8 * time.Second
	case KindTxnAuth, KindTxnInit:
		return 20 * time.Second
	case KindTxnOta:
		return 0 // no deadline: a stalled OTA chunk is not timed out, and bletxn.Transaction sets no timeout of its own
	case KindForceRead:
		return 0 // deadline is set explicitly per device's force_read_timeout at the call site
	case KindCrashResolver:
		return 10 * time.Second
	default:
		return 10 * time.Second
	}
}

// Requires reports the preconditions spec.md section 4.2 lists
// (requires_ble_on, requires_connection) for a kind.
func Requires(k Kind) (requiresBleOn, requiresConnection bool) {
	switch k {
	case KindTurnBleOn:
		return false, false
	case KindTurnBleOff, KindScan, KindCrashResolver:
		return true, false
	case KindConnect:
		return true, false
	default:
		return true, true
	}
}

// DefaultIsCancellableBy implements the same-device and global cancellation
// rules spec.md section 4.3 gives as examples: a Connect cancels any
// queued Disconnect for the same device; TurnBleOff cancels nearly
// everything not itself part of an explicit reset sequence; Disconnect
// cancels all other pending per-device work.
func DefaultIsCancellableBy(self Kind, selfDevice string, other *Task) bool {
	switch other.Kind {
	case KindConnect:
		return self == KindDisconnect && other.Device == selfDevice
	case KindDisconnect:
		return self != KindDisconnect && self != KindCrashResolver && other.Device == selfDevice
	case KindTurnBleOff:
		if self == KindCrashResolver {
			return false // a reset in progress must not be starved by the very off it's resolving
		}
		return true
	default:
		return false
	}
}

// DefaultIsInterruptibleBy implements the preemption rule spec.md section
// 4.3 describes: an EXECUTING task may be interrupted by any task whose
// priority is above its kind's DefaultPriority, except reliable-write
// execute/abort (interrupting them would leave the session buffer in an
// undefined state) and CrashResolver, which are never interrupted.
func DefaultIsInterruptibleBy(self Kind, other *Task) bool {
	switch self {
	case KindReliableWriteExecute, KindReliableWriteAbort:
		return false
	case KindCrashResolver:
		return false
	default:
		return other.Priority > DefaultPriority(self)
	}
}
