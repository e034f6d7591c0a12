package lifecycle

// InstallMode is which install/update path the decision table selected.
type InstallMode string

const (
	ModeSystemUpdate InstallMode = "system_update"
	ModeUserUpdate   InstallMode = "user_update"
	ModeSystemFresh  InstallMode = "system_fresh"
	ModeUserFresh    InstallMode = "user_fresh"
)

// Probe carries the target-inspection results the install decision table
// (§4.8) switches on. A real run populates this via remote `systemctl`/`id`/
// `sudo -n true` execs; tests populate it directly, keeping decideInstall a
// pure function.
type Probe struct {
	SystemUnitActive bool
	UserUnitActive   bool
	IsRoot           bool
	SudoNoPassword   bool // `sudo -n true` succeeded
	SudoAvailable    bool // a sudo binary exists at all
}

// Plan is the resolved action the lifecycle manager executes for a target.
type Plan struct {
	Mode              InstallMode
	RemoteBundlePath  string
	RequiresSudo      bool
	SudoNoPasswordOK  bool
}

// decideInstall implements the §4.8 install phase decision table.
func decideInstall(p Probe) Plan {
	switch {
	case p.SystemUnitActive:
		return Plan{Mode: ModeSystemUpdate, RemoteBundlePath: "/opt/patze-bridge/bridge.mjs", RequiresSudo: true, SudoNoPasswordOK: p.SudoNoPassword}
	case p.UserUnitActive:
		return Plan{Mode: ModeUserUpdate, RemoteBundlePath: "$HOME/patze-bridge/bridge.mjs"}
	case p.IsRoot || p.SudoNoPassword:
		return Plan{Mode: ModeSystemFresh, RemoteBundlePath: "/tmp/patze-bridge-bundle.mjs", RequiresSudo: !p.IsRoot, SudoNoPasswordOK: p.SudoNoPassword}
	case p.SudoAvailable:
		// sudo exists but needs an interactive password — fresh install must
		// go through the sudo-password flow rather than silently falling back.
		return Plan{Mode: ModeSystemFresh, RemoteBundlePath: "/tmp/patze-bridge-bundle.mjs", RequiresSudo: true, SudoNoPasswordOK: false}
	default:
		return Plan{Mode: ModeUserFresh, RemoteBundlePath: "$HOME/patze-bridge/bridge.mjs"}
	}
}
