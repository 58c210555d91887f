package solver

import "github.com/AlexanderEkdahl/solvent/internal/matchspec"

// ActionKind identifies which transaction action an Action represents,
// per spec.md §3.7's Solution shape.
type ActionKind int

const (
	ActionInstall ActionKind = iota
	ActionRemove
	ActionReinstall
	ActionUpgrade
	ActionDowngrade
	ActionChange
	ActionOmit
)

func (k ActionKind) String() string {
	switch k {
	case ActionInstall:
		return "install"
	case ActionRemove:
		return "remove"
	case ActionReinstall:
		return "reinstall"
	case ActionUpgrade:
		return "upgrade"
	case ActionDowngrade:
		return "downgrade"
	case ActionChange:
		return "change"
	case ActionOmit:
		return "omit"
	default:
		return "unknown"
	}
}

// Action is one step of a Solution. Remove is populated for Remove,
// Upgrade, Downgrade, and Change; Install is populated for Install,
// Reinstall, Upgrade, Downgrade, and Change. Omit carries neither — it
// records that a requested package was already satisfied and nothing
// needs to happen.
type Action struct {
	Kind    ActionKind
	Remove  *matchspec.PackageInfo
	Install *matchspec.PackageInfo
}

// Solution is the ordered list of actions a Transaction materializes.
// Order here is by package name; internal/transaction computes its own
// topological order from the packages' Depends rather than relying on
// this order, per spec.md §4.8 step 4.
type Solution struct {
	Actions []Action
}

func classifyAction(installed, chosen *matchspec.PackageInfo) Action {
	switch {
	case installed == nil:
		return Action{Kind: ActionInstall, Install: chosen}
	case chosen == nil:
		return Action{Kind: ActionRemove, Remove: installed}
	case installed.Version.String() == chosen.Version.String() && installed.BuildString == chosen.BuildString:
		if installed.ChannelID == chosen.ChannelID {
			return Action{Kind: ActionOmit}
		}
		return Action{Kind: ActionChange, Remove: installed, Install: chosen}
	default:
		cmp := versionCompare(installed.Version, chosen.Version)
		switch {
		case cmp < 0:
			return Action{Kind: ActionUpgrade, Remove: installed, Install: chosen}
		case cmp > 0:
			return Action{Kind: ActionDowngrade, Remove: installed, Install: chosen}
		default:
			return Action{Kind: ActionChange, Remove: installed, Install: chosen}
		}
	}
}
