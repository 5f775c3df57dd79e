package orbitd

import (
	"github.com/btcsuite/btclog"

	"github.com/orbitwallet/orbitd/attention"
	"github.com/orbitwallet/orbitd/batchflush"
	"github.com/orbitwallet/orbitd/build"
	"github.com/orbitwallet/orbitd/chainreg"
	"github.com/orbitwallet/orbitd/keyring"
	"github.com/orbitwallet/orbitd/perms"
	"github.com/orbitwallet/orbitd/provider"
	"github.com/orbitwallet/orbitd/rpcengine"
	"github.com/orbitwallet/orbitd/rpcengine/evm"
	"github.com/orbitwallet/orbitd/signal"
	"github.com/orbitwallet/orbitd/txmgr"
	"github.com/orbitwallet/orbitd/uirpc"
	"github.com/orbitwallet/orbitd/vault"
)

// orbtLog is the logger for the daemon's own startup and shutdown events.
var orbtLog btclog.Logger

func init() {
	UseLogger(build.NewSubLogger("ORBT", nil))
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	orbtLog = logger
}

// SetupLoggers initializes all package-global logger variables against the
// given manager so levels can be controlled per subsystem.
func SetupLoggers(mgr *build.SubLoggerManager) {
	UseLogger(mgr.GenSubLogger("ORBT"))

	addSubLogger(mgr, "VALT", vault.UseLogger)
	addSubLogger(mgr, "KRNG", keyring.UseLogger)
	addSubLogger(mgr, "PERM", perms.UseLogger)
	addSubLogger(mgr, "ATTN", attention.UseLogger)
	addSubLogger(mgr, "CHRG", chainreg.UseLogger)
	addSubLogger(mgr, "FLSH", batchflush.UseLogger)
	addSubLogger(mgr, "TXMG", txmgr.UseLogger)
	addSubLogger(mgr, "RPCE", rpcengine.UseLogger)
	addSubLogger(mgr, "EVMA", evm.UseLogger)
	addSubLogger(mgr, "PROV", provider.UseLogger)
	addSubLogger(mgr, "UIRP", uirpc.UseLogger)
	addSubLogger(mgr, "SGNL", signal.UseLogger)
}

// addSubLogger is a helper to create and register a sub logger with the
// given manager.
func addSubLogger(mgr *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	logger := mgr.GenSubLogger(subsystem)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
