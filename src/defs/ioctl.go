package defs

// tty ioctl numbers, traditional termios values.
const (
	TCGETS     = 0x5401
	TCSETS     = 0x5402
	TCSBRK     = 0x5409
	TCXONC     = 0x540A
	TCFLSH     = 0x540B
	TIOCGPGRP  = 0x540F
	TIOCSPGRP  = 0x5410
	TIOCGWINSZ = 0x5413
	TIOCSWINSZ = 0x5414
	TIOCGSID   = 0x5429
)

// Loop-device control ioctls.
const (
	LOOPCTL_CREATE  = 0x4C80
	LOOPCTL_DESTROY = 0x4C81
	LOOPCTL_STATUS  = 0x4C82
)

// Framebuffer ioctls. The framebuffer driver itself lives behind
// the driver boundary; the numbers are part of the kernel's ABI.
const (
	FB_IO_GET_DIMENSION  = 0x4680
	FB_IO_MAP_FRAMEBUFFER = 0x4681
	FB_IO_BLANK_SCREEN   = 0x4682
)

// /proc/task_api ioctls: per-task detail beyond the record stream. The
// argument is a user buffer whose first word carries the pid on entry
// and whose remaining words the kernel fills.
const (
	TASKAPI_MEM_INFO  = 0x5480
	TASKAPI_FILE_INFO = 0x5481
)

/// TASKAPI_INFO_SZ is the size of one task_api_info record in the
/// /proc/task_api stream: six 8-byte words (pid, ppid, pgid, sid,
/// state, killed) followed by a NUL-padded name.
const TASKAPI_INFO_SZ = 80

/// TASKAPI_NAME_SZ is the name field's width within a record.
const TASKAPI_NAME_SZ = TASKAPI_INFO_SZ - 48
