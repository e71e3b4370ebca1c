package logger

import "log/slog"

// Standard field keys used across the daemon. Keeping keys centralized makes
// log output greppable and consistent between packages.
const (
	KeyUsername   = "username"
	KeyFilename   = "filename"
	KeyLocalPath  = "local_path"
	KeyDirection  = "direction"
	KeyTransferID = "transfer_id"
	KeyGroup      = "group"
	KeyState      = "state"
	KeySize       = "size"
	KeyOffset     = "offset"
	KeyBytes      = "bytes"
	KeySpeed      = "speed_bps"
	KeyClientIP   = "client_ip"
	KeyError      = "error"
	KeyDurationMs = "duration_ms"
	KeyReason     = "reason"
	KeySlots      = "slots"
	KeyUsedSlots  = "used_slots"
	KeyPriority   = "priority"
	KeyStrategy   = "strategy"
	KeyPosition   = "position"
)

// Username identifies the remote peer.
func Username(name string) slog.Attr {
	return slog.String(KeyUsername, name)
}

// Filename is the remote path of a transfer, as the peer sees it.
func Filename(name string) slog.Attr {
	return slog.String(KeyFilename, name)
}

// LocalPath is the resolved on-disk location of a shared file.
func LocalPath(p string) slog.Attr {
	return slog.String(KeyLocalPath, p)
}

// Direction is "upload" or "download".
func Direction(d string) slog.Attr {
	return slog.String(KeyDirection, d)
}

// TransferID is the transfer record id.
func TransferID(id string) slog.Attr {
	return slog.String(KeyTransferID, id)
}

// Group is the user group a transfer is scheduled against.
func Group(name string) slog.Attr {
	return slog.String(KeyGroup, name)
}

// State is the stringified transfer state.
func State(s string) slog.Attr {
	return slog.String(KeyState, s)
}

// Size is a file size in bytes.
func Size(n int64) slog.Attr {
	return slog.Int64(KeySize, n)
}

// Offset is a start offset in bytes.
func Offset(n int64) slog.Attr {
	return slog.Int64(KeyOffset, n)
}

// Bytes is a byte count (transferred, granted, returned, ...).
func Bytes(n int64) slog.Attr {
	return slog.Int64(KeyBytes, n)
}

// Speed is a transfer rate in bytes per second.
func Speed(bps float64) slog.Attr {
	return slog.Float64(KeySpeed, bps)
}

// ClientIP is the remote endpoint address.
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// Err attaches an error; nil-safe.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "<nil>")
	}
	return slog.String(KeyError, err.Error())
}

// Reason is a human-readable cause (rejection message, cancellation reason).
func Reason(r string) slog.Attr {
	return slog.String(KeyReason, r)
}

// DurationMs is an elapsed time in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Slots is a slot budget.
func Slots(n int) slog.Attr {
	return slog.Int(KeySlots, n)
}

// UsedSlots is a held slot count.
func UsedSlots(n int) slog.Attr {
	return slog.Int(KeyUsedSlots, n)
}

// Position is a queue position estimate.
func Position(p int) slog.Attr {
	return slog.Int(KeyPosition, p)
}
