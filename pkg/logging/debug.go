package logging

// DebugEnable is set with -ldflags "-X nzboot/pkg/logging.DebugEnable=1" to
// build a binary that logs launch details.
var DebugEnable string

// Debuggable reports whether this is a debug build.
var Debuggable = DebugEnable != ""
