package lifecycle

import "testing"

func TestDecideInstallSystemUnitActiveRequiresSudo(t *testing.T) {
	plan := decideInstall(Probe{SystemUnitActive: true})
	if plan.Mode != ModeSystemUpdate {
		t.Fatalf("mode = %s, want %s", plan.Mode, ModeSystemUpdate)
	}
	if !plan.RequiresSudo {
		t.Fatal("system update path must require sudo")
	}
	if plan.RemoteBundlePath != "/opt/patze-bridge/bridge.mjs" {
		t.Fatalf("unexpected bundle path %s", plan.RemoteBundlePath)
	}
}

func TestDecideInstallUserUnitActiveNoSudo(t *testing.T) {
	plan := decideInstall(Probe{UserUnitActive: true})
	if plan.Mode != ModeUserUpdate {
		t.Fatalf("mode = %s, want %s", plan.Mode, ModeUserUpdate)
	}
	if plan.RequiresSudo {
		t.Fatal("user update path must not require sudo")
	}
}

func TestDecideInstallRootGetsSystemFreshWithoutSudoFlag(t *testing.T) {
	plan := decideInstall(Probe{IsRoot: true})
	if plan.Mode != ModeSystemFresh {
		t.Fatalf("mode = %s, want %s", plan.Mode, ModeSystemFresh)
	}
	if plan.RequiresSudo {
		t.Fatal("root should not require sudo")
	}
}

func TestDecideInstallPasswordlessSudoGetsSystemFresh(t *testing.T) {
	plan := decideInstall(Probe{SudoNoPassword: true, SudoAvailable: true})
	if plan.Mode != ModeSystemFresh {
		t.Fatalf("mode = %s, want %s", plan.Mode, ModeSystemFresh)
	}
	if !plan.RequiresSudo || !plan.SudoNoPasswordOK {
		t.Fatalf("expected sudo required and no-password-ok, got %+v", plan)
	}
}

func TestDecideInstallSudoNeedsPasswordFlagsFreshInstall(t *testing.T) {
	plan := decideInstall(Probe{SudoAvailable: true})
	if plan.Mode != ModeSystemFresh {
		t.Fatalf("mode = %s, want %s", plan.Mode, ModeSystemFresh)
	}
	if !plan.RequiresSudo {
		t.Fatal("expected sudo required")
	}
	if plan.SudoNoPasswordOK {
		t.Fatal("expected SudoNoPasswordOK=false so caller routes to sudo-password flow")
	}
}

func TestDecideInstallNoSudoGetsUserFresh(t *testing.T) {
	plan := decideInstall(Probe{})
	if plan.Mode != ModeUserFresh {
		t.Fatalf("mode = %s, want %s", plan.Mode, ModeUserFresh)
	}
	if plan.RequiresSudo {
		t.Fatal("user fresh install must not require sudo")
	}
	if plan.RemoteBundlePath != "$HOME/patze-bridge/bridge.mjs" {
		t.Fatalf("unexpected bundle path %s", plan.RemoteBundlePath)
	}
}

func TestDecideInstallSystemUnitActiveTakesPriorityOverUserUnit(t *testing.T) {
	plan := decideInstall(Probe{SystemUnitActive: true, UserUnitActive: true})
	if plan.Mode != ModeSystemUpdate {
		t.Fatalf("mode = %s, want system unit to win, got %s", plan.Mode, plan.Mode)
	}
}
